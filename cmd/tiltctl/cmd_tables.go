package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/tiltguard/internal/modality"
)

// tablesCmd is the parent command for weight-table operations
var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Inspect and validate modality weight tables",
}

var tablesValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate one or more weight table YAML files",
	Long: `Parse and validate weight table files. Missing weights or caps are
filled from the built-in v3 table before validation.

Examples:
  tiltctl tables validate tables/v4.yaml
  tiltctl tables validate tables/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTablesValidate,
}

var tablesShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Print a weight table (the built-in table when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTablesShow,
}

func init() {
	rootCmd.AddCommand(tablesCmd)
	tablesCmd.AddCommand(tablesValidateCmd, tablesShowCmd)
}

func runTablesValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		t, err := modality.LoadTable(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL  %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "OK    %s (version %s)\n", path, t.Version)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d table(s) invalid", failed, len(args))
	}
	return nil
}

func runTablesShow(cmd *cobra.Command, args []string) error {
	t := modality.DefaultTable()
	if len(args) == 1 {
		loaded, err := modality.LoadTable(args[0])
		if err != nil {
			return err
		}
		t = loaded
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n\n", t.Version)
	fmt.Fprintln(w, "MODALITY\tWEIGHT\tCAP")
	for _, k := range append(modality.Weighted[:len(modality.Weighted):len(modality.Weighted)], modality.Contextual) {
		weight := "-"
		if k != modality.Contextual {
			weight = fmt.Sprintf("%.2f", t.Weight(k))
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\n", k, weight, t.Cap(k))
	}
	return w.Flush()
}
