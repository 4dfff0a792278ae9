package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/tiltguard/internal/analyst"
	"github.com/mbd888/tiltguard/internal/assessment"
	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/risk"
)

var (
	assessPolicyPath   string
	assessBaselinePath string
	assessTablePaths   []string
	assessFormat       string
	assessTimeout      time.Duration
)

var assessCmd = &cobra.Command{
	Use:   "assess [request.json]",
	Short: "Score an assessment request locally",
	Long: `Score an assessment request (the body of POST /v1/assessments) with the
local engine and the heuristic analyst. Reads stdin when no file is given or
the file is "-". Nothing is persisted.

Examples:
  tiltctl assess request.json
  tiltctl assess request.json --policy desk.json --baseline me.json
  cat request.json | tiltctl assess --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAssess,
}

func init() {
	rootCmd.AddCommand(assessCmd)
	assessCmd.Flags().StringVar(&assessPolicyPath, "policy", "", "Policy JSON file (default: built-in policy)")
	assessCmd.Flags().StringVar(&assessBaselinePath, "baseline", "", "User baseline JSON file")
	assessCmd.Flags().StringSliceVar(&assessTablePaths, "table", nil, "Extra weight table files")
	assessCmd.Flags().StringVar(&assessFormat, "format", "table", "Output format: table, json")
	assessCmd.Flags().DurationVar(&assessTimeout, "timeout", 10*time.Second, "Scoring timeout")
}

func runAssess(cmd *cobra.Command, args []string) error {
	if assessFormat != "table" && assessFormat != "json" {
		return fmt.Errorf("invalid --format %q: must be table or json", assessFormat)
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	var req assessment.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), assessTimeout)
	defer cancel()

	a, err := scoreOffline(ctx, req, assessPolicyPath, assessBaselinePath, assessTablePaths)
	if err != nil {
		var ie *assessment.InputError
		if errors.As(err, &ie) {
			return fmt.Errorf("invalid request: %s", ie.Fields.Error())
		}
		return err
	}

	if assessFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	}
	return printAssessment(cmd.OutOrStdout(), a)
}

// scoreOffline runs one assessment through an in-memory service.
func scoreOffline(ctx context.Context, req assessment.Request, policyPath, baselinePath string, tablePaths []string) (*risk.Assessment, error) {
	tables, err := modality.LoadTables(tablePaths...)
	if err != nil {
		return nil, err
	}

	policies := policy.NewMemoryStore()
	if policyPath != "" {
		p, err := loadPolicy(policyPath)
		if err != nil {
			return nil, err
		}
		if p.ID == "" {
			p.ID = "pol_local"
		}
		if err := p.Validate(tables.Has); err != nil {
			return nil, err
		}
		if err := policies.Create(ctx, p); err != nil {
			return nil, err
		}
		req.PolicyID = p.ID
	}

	baselines := baseline.NewMemoryStore()
	if baselinePath != "" {
		b, err := os.ReadFile(baselinePath)
		if err != nil {
			return nil, err
		}
		var ub baseline.UserBaseline
		if err := json.Unmarshal(b, &ub); err != nil {
			return nil, fmt.Errorf("parse baseline %s: %w", baselinePath, err)
		}
		ub.UserID = req.UserID
		if err := baselines.Save(ctx, &ub); err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := assessment.NewService(risk.NewEngine(tables), baselines, policies, risk.NewMemoryStore(), logger).
		WithAnalyst(analyst.NewAnalyzer(nil, nil, logger))
	defer svc.Wait()

	return svc.Assess(ctx, req)
}

func printAssessment(out io.Writer, a *risk.Assessment) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Verdict:\t%s\n", strings.ToUpper(string(a.Verdict)))
	fmt.Fprintf(w, "Risk score:\t%d\n", a.RiskScore)
	fmt.Fprintf(w, "Confidence:\t%.2f\n", a.Confidence)
	fmt.Fprintf(w, "Policy:\t%s\n", a.PolicyID)
	fmt.Fprintf(w, "Weight table:\t%s\n", a.WeightTableVersion)
	if a.CooldownSeconds > 0 {
		fmt.Fprintf(w, "Cooldown:\t%ds\n", a.CooldownSeconds)
	}
	fmt.Fprintf(w, "Action:\t%s\n", a.RecommendedAction)
	for _, r := range a.Reasons {
		fmt.Fprintf(w, "Reason:\t%s\n", r)
	}
	if a.Analysis != nil {
		fmt.Fprintf(w, "Analyst:\t%s (stress %.1f, %s)\n", a.Analysis.Source, a.Analysis.Report.StressLevel, a.Analysis.Report.Verdict)
	}

	fmt.Fprintln(w, "\nMODALITY\tSCORE\tCONFIDENCE\tFLAGS")
	for _, m := range a.Modalities {
		flags := strings.Join(m.FlagNames(), ",")
		if flags == "" {
			flags = "-"
		}
		fmt.Fprintf(w, "%s\t%.1f\t%.2f\t%s\n", m.Kind(), m.Score(), m.Confidence(), flags)
	}
	return w.Flush()
}
