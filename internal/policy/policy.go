// Package policy provides the trading policies that parameterize verdicts:
// the hold threshold, the block ceiling, the cooldown, which modalities run,
// whether an operator may override, and which weight table scores them.
//
// Policies are validated when they are created or loaded, never per
// assessment.
package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/risk"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrNameTaken      = errors.New("policy: name already exists")
	ErrInvalidPolicy  = errors.New("policy: invalid")
)

// DefaultPolicyID names the built-in policy used when a request names none.
const DefaultPolicyID = "default"

// Limits.
const (
	MaxCooldownSeconds = 24 * 60 * 60
	MaxNameLength      = 200
)

// Policy is a named set of verdict parameters.
type Policy struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	RiskThreshold      int                    `json:"riskThreshold"`
	BlockCeiling       int                    `json:"blockCeiling"`
	CooldownSeconds    int                    `json:"cooldownSeconds"`
	EnabledModes       map[modality.Kind]bool `json:"enabledModes,omitempty"` // absent kinds are enabled
	OverrideAllowed    bool                   `json:"overrideAllowed"`
	WeightTableVersion string                 `json:"weightTableVersion"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		ID:                 DefaultPolicyID,
		Name:               "Default",
		RiskThreshold:      65,
		BlockCeiling:       risk.BlockCeiling,
		CooldownSeconds:    300,
		WeightTableVersion: modality.DefaultTableVersion,
	}
}

// Normalize fills defaulted fields.
func (p *Policy) Normalize() {
	if p.BlockCeiling == 0 {
		p.BlockCeiling = risk.BlockCeiling
	}
	if p.WeightTableVersion == "" {
		p.WeightTableVersion = modality.DefaultTableVersion
	}
}

// Validate rejects a policy that could never produce a consistent verdict.
// knownTable reports whether a weight table version exists; nil accepts
// only the default version.
func (p *Policy) Validate(knownTable func(string) bool) error {
	if knownTable == nil {
		knownTable = func(v string) bool { return v == modality.DefaultTableVersion }
	}
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	case len(p.Name) > MaxNameLength:
		return fmt.Errorf("%w: name too long", ErrInvalidPolicy)
	case p.BlockCeiling != risk.BlockCeiling:
		return fmt.Errorf("%w: blockCeiling is fixed at %d", ErrInvalidPolicy, risk.BlockCeiling)
	case p.RiskThreshold <= 0:
		return fmt.Errorf("%w: riskThreshold must be positive", ErrInvalidPolicy)
	case p.RiskThreshold >= p.BlockCeiling:
		return fmt.Errorf("%w: riskThreshold %d must be below blockCeiling %d", ErrInvalidPolicy, p.RiskThreshold, p.BlockCeiling)
	case p.CooldownSeconds < 0 || p.CooldownSeconds > MaxCooldownSeconds:
		return fmt.Errorf("%w: cooldownSeconds must be 0-%d", ErrInvalidPolicy, MaxCooldownSeconds)
	case !knownTable(p.WeightTableVersion):
		return fmt.Errorf("%w: unknown weightTableVersion %q", ErrInvalidPolicy, p.WeightTableVersion)
	}
	for k := range p.EnabledModes {
		if _, ok := modality.Analyzers[k]; !ok {
			return fmt.Errorf("%w: unknown modality %q", ErrInvalidPolicy, k)
		}
	}
	return nil
}

// Enabled reports whether modality k runs under this policy.
func (p *Policy) Enabled(k modality.Kind) bool {
	on, set := p.EnabledModes[k]
	return !set || on
}

// Thresholds returns the verdict parameters.
func (p *Policy) Thresholds() risk.Thresholds {
	return risk.Thresholds{
		RiskThreshold:   p.RiskThreshold,
		BlockCeiling:    p.BlockCeiling,
		CooldownSeconds: p.CooldownSeconds,
	}
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	cp := *p
	cp.EnabledModes = maps.Clone(p.EnabledModes)
	return &cp
}

// Store persists policies.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	List(ctx context.Context) ([]*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
}

// Lookup returns the policy named by id as stored, without validation. An
// empty id, or the default id when no stored override exists, yields the
// built-in default.
func Lookup(ctx context.Context, s Store, id string) (*Policy, error) {
	if id == "" {
		id = DefaultPolicyID
	}
	p, err := s.Get(ctx, id)
	if errors.Is(err, ErrPolicyNotFound) && id == DefaultPolicyID {
		return Default(), nil
	}
	return p, err
}

// Resolve is Lookup for scoring: the loaded policy is normalized and
// validated against the loaded weight tables, so a bad stored row fails
// with ErrInvalidPolicy before any analyzer runs.
func Resolve(ctx context.Context, s Store, id string, knownTable func(string) bool) (*Policy, error) {
	p, err := Lookup(ctx, s, id)
	if err != nil {
		return nil, err
	}
	p.Normalize()
	if err := p.Validate(knownTable); err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.ID, err)
	}
	return p, nil
}

// CheckStored validates every stored policy and returns the joined errors
// of the invalid ones, nil when all are usable.
func CheckStored(ctx context.Context, s Store, knownTable func(string) bool) error {
	policies, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	var errs []error
	for _, p := range policies {
		p.Normalize()
		if err := p.Validate(knownTable); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}
