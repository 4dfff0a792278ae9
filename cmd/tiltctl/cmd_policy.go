package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/policy"
)

var policyTablePaths []string

// policyCmd is the parent command for trading-policy operations
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate trading policies",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <policy.json>",
	Short: "Check that a policy JSON document would be accepted by the service",
	Long: `Load a trading policy as JSON (the body of POST /v1/policies) and run
the same validation the service applies.

Examples:
  tiltctl policy check desk.json
  tiltctl policy check desk.json --table tables/v4.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyCheckCmd)
	policyCheckCmd.Flags().StringSliceVar(&policyTablePaths, "table", nil, "Extra weight table files the policy may reference")
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	tables, err := modality.LoadTables(policyTablePaths...)
	if err != nil {
		return err
	}
	p, err := loadPolicy(args[0])
	if err != nil {
		return err
	}
	if err := p.Validate(tables.Has); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK    %s: hold at %d, block at %d, cooldown %ds, table %s\n",
		p.Name, p.RiskThreshold, p.BlockCeiling, p.CooldownSeconds, p.WeightTableVersion)
	return nil
}

// loadPolicy reads a policy JSON file and fills defaulted fields.
func loadPolicy(path string) (*policy.Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p policy.Policy
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	p.Normalize()
	return &p, nil
}
