package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultsCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate engine configuration files",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check an engine config YAML, including its expression rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigValidate,
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the stock engine configuration as YAML",
	RunE:  runConfigDefaults,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadEngineConfig(args[0])
	if err != nil {
		return err
	}
	// Compiling catches CEL errors that structural validation cannot.
	engine, err := scoring.New(cfg, 0)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", args[0])
	fmt.Fprintf(out, "  rules:       %d\n", engine.Rules().Len())
	fmt.Fprintf(out, "  weight sum:  %.3f\n", cfg.WeightSum())
	if !cfg.WeightsNormalized() {
		fmt.Fprintln(out, "  warning:     weights do not sum to 1; scores are clamped to [0,1]")
	}
	fmt.Fprintf(out, "  decision:    review >= %.2f, block >= %.2f\n", cfg.Decision.FraudThreshold, cfg.Decision.HighRiskThreshold)
	return nil
}

func runConfigDefaults(cmd *cobra.Command, args []string) error {
	data, err := config.MarshalEngineConfig(domain.DefaultEngineConfig())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
