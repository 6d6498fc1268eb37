package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var (
	scoreFile    string
	scoreSignals string
	scoreConfig  string
	scoreFormat  string
)

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().StringVar(&scoreFile, "file", "", "Path to a transaction JSON file, or - for stdin (required)")
	scoreCmd.Flags().StringVar(&scoreSignals, "signals", "", "Path to a signals JSON file, or - for stdin (optional)")
	scoreCmd.Flags().StringVar(&scoreConfig, "config", "", "Path to an engine config YAML (defaults to the stock rule set)")
	scoreCmd.Flags().StringVarP(&scoreFormat, "format", "f", "text", "Output format (text|json)")
	scoreCmd.MarkFlagRequired("file")
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score one transaction offline",
	Long: "Runs the scoring engine on a single transaction without a server or database.\n" +
		"Signals not supplied are treated as unavailable.",
	RunE: runScore,
}

func runScore(cmd *cobra.Command, args []string) error {
	if scoreFile == "-" && scoreSignals == "-" {
		return fmt.Errorf("--file and --signals cannot both read from stdin")
	}

	cfg := domain.DefaultEngineConfig()
	if scoreConfig != "" {
		loaded, err := config.LoadEngineConfig(scoreConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	engine, err := scoring.New(cfg, 0)
	if err != nil {
		return err
	}

	var tx domain.Transaction
	if err := readJSON(cmd.InOrStdin(), scoreFile, &tx); err != nil {
		return fmt.Errorf("read transaction: %w", err)
	}
	tx.Normalize()

	var sig domain.Signals
	if scoreSignals != "" {
		if err := readJSON(cmd.InOrStdin(), scoreSignals, &sig); err != nil {
			return fmt.Errorf("read signals: %w", err)
		}
	}

	a, err := engine.Assess(&tx, sig)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scoreFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	}
	writeAssessment(out, &tx, a)
	return nil
}

func readJSON(stdin io.Reader, path string, v any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeAssessment(w io.Writer, tx *domain.Transaction, a *domain.RiskAssessment) {
	fmt.Fprintf(w, "Transaction:    %s (%s %s at %s)\n", tx.ID, tx.Amount.String(), tx.Currency, tx.Merchant.Name)
	fmt.Fprintf(w, "Score:          %.4f\n", a.OverallScore)
	fmt.Fprintf(w, "Risk level:     %s\n", a.RiskLevel)
	fmt.Fprintf(w, "Recommendation: %s\n", a.Recommendation)
	fmt.Fprintf(w, "Mode:           %s\n", a.Mode)
	fmt.Fprintf(w, "Confidence:     %.2f\n", a.Confidence)
	if len(a.UnavailableSignals) > 0 {
		fmt.Fprintf(w, "Unavailable:    %s\n", strings.Join(a.UnavailableSignals, ", "))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-20s %7s %7s %7s %12s\n", "RULE", "VALUE", "WEIGHT", "THRESH", "CONTRIBUTION")
	for _, f := range a.Breakdown {
		mark := " "
		if f.Triggered {
			mark = "*"
		}
		fmt.Fprintf(w, "%-20s %7.3f %7.3f %7.3f %12.4f %s\n", f.Name, f.Value, f.Weight, f.Threshold, f.Contribution, mark)
	}

	if reasons := pipeline.Reasons(a); len(reasons) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Reasons:")
		for _, r := range reasons {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}
