package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const fraudTxJSON = `{
  "id": "tx-cli-1",
  "accountId": "acc-666",
  "amount": "5000.00",
  "currency": "eur",
  "timestamp": "2026-04-14T02:17:00",
  "merchant": {"name": "Unknown Merchant", "category": "unknown", "riskScore": 0.9},
  "location": {"country": "PRK"},
  "card": {"last4": "0000", "issuer": "Unknown", "network": "visa"}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetIn(strings.NewReader(""))
	return cmd, &buf
}

func resetScoreFlags() {
	scoreFile = ""
	scoreSignals = ""
	scoreConfig = ""
	scoreFormat = "text"
}

func TestRunScore_Text(t *testing.T) {
	resetScoreFlags()
	scoreFile = writeFile(t, "tx.json", fraudTxJSON)

	cmd, out := testCommand()
	if err := runScore(cmd, nil); err != nil {
		t.Fatalf("runScore failed: %v", err)
	}

	text := out.String()
	// Velocity and baseline are unavailable offline, so they score neutral.
	for _, want := range []string{"Recommendation: REVIEW", "Risk level:     CRITICAL", "velocity", "Reasons:"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if !strings.Contains(text, "EUR") {
		t.Error("currency should be normalized")
	}
}

func TestRunScore_JSONWithSignals(t *testing.T) {
	resetScoreFlags()
	scoreFile = writeFile(t, "tx.json", fraudTxJSON)
	scoreSignals = writeFile(t, "signals.json", `{
  "velocityCount1h": 12,
  "velocityCount24h": 12,
  "accountMeanAmount": 100,
  "accountStdAmount": 10
}`)
	scoreFormat = "json"

	cmd, out := testCommand()
	if err := runScore(cmd, nil); err != nil {
		t.Fatalf("runScore failed: %v", err)
	}

	var a domain.RiskAssessment
	if err := json.Unmarshal(out.Bytes(), &a); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if a.Recommendation != domain.RecommendBlock {
		t.Errorf("expected BLOCK, got %s (score %f)", a.Recommendation, a.OverallScore)
	}
	if len(a.Breakdown) != 6 {
		t.Errorf("expected 6 rules in breakdown, got %d", len(a.Breakdown))
	}
}

func TestRunScore_Stdin(t *testing.T) {
	resetScoreFlags()
	scoreFile = "-"

	cmd, out := testCommand()
	cmd.SetIn(strings.NewReader(fraudTxJSON))
	if err := runScore(cmd, nil); err != nil {
		t.Fatalf("runScore failed: %v", err)
	}
	if !strings.Contains(out.String(), "tx-cli-1") {
		t.Errorf("expected transaction id in output:\n%s", out.String())
	}
}

func TestRunScore_RejectsDoubleStdin(t *testing.T) {
	resetScoreFlags()
	scoreFile = "-"
	scoreSignals = "-"

	cmd, _ := testCommand()
	cmd.SetIn(strings.NewReader(fraudTxJSON))
	err := runScore(cmd, nil)
	if err == nil {
		t.Fatal("expected an error when both inputs read stdin")
	}
	if !strings.Contains(err.Error(), "cannot both read from stdin") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunScore_CustomConfig(t *testing.T) {
	resetScoreFlags()
	scoreFile = writeFile(t, "tx.json", fraudTxJSON)
	scoreConfig = writeFile(t, "engine.yaml", `
decision:
  fraud_threshold: 0.95
  high_risk_threshold: 0.99
`)

	cmd, out := testCommand()
	if err := runScore(cmd, nil); err != nil {
		t.Fatalf("runScore failed: %v", err)
	}
	if !strings.Contains(out.String(), "Recommendation: APPROVE") {
		t.Errorf("expected APPROVE under raised thresholds:\n%s", out.String())
	}
}

func TestRunScore_InvalidTransaction(t *testing.T) {
	resetScoreFlags()
	scoreFile = writeFile(t, "tx.json", strings.Replace(fraudTxJSON, `"0000"`, `"00a0"`, 1))

	cmd, _ := testCommand()
	err := runScore(cmd, nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "card.last4") {
		t.Errorf("expected card.last4 in error, got %v", err)
	}
}

func TestRunConfigDefaultsRoundTrip(t *testing.T) {
	cmd, out := testCommand()
	if err := runConfigDefaults(cmd, nil); err != nil {
		t.Fatalf("runConfigDefaults failed: %v", err)
	}
	if !strings.Contains(out.String(), "fraud_threshold: 0.7") {
		t.Errorf("defaults missing decision thresholds:\n%s", out.String())
	}

	path := writeFile(t, "defaults.yaml", out.String())
	cmd, out = testCommand()
	if err := runConfigValidate(cmd, []string{path}); err != nil {
		t.Fatalf("defaults did not validate: %v", err)
	}
	if !strings.Contains(out.String(), "rules:       6") {
		t.Errorf("unexpected validate output:\n%s", out.String())
	}
	if strings.Contains(out.String(), "warning") {
		t.Error("default weights should be normalized")
	}
}

func TestRunConfigValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"BadThresholds", "decision:\n  fraud_threshold: 0.9\n  high_risk_threshold: 0.5\n"},
		{"UnknownField", "amount:\n  hgih_amount: 100\n"},
		{"BadExpression", "expressions:\n  - id: broken\n    name: broken\n    expression: \"amount >\"\n    weight: 0.1\n    threshold: 0.5\n    enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "engine.yaml", tt.yaml)
			cmd, _ := testCommand()
			if err := runConfigValidate(cmd, []string{path}); err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestRunConfigValidate_WarnsOnWeights(t *testing.T) {
	path := writeFile(t, "engine.yaml", "amount:\n  weight: 0.5\n")
	cmd, out := testCommand()
	if err := runConfigValidate(cmd, []string{path}); err != nil {
		t.Fatalf("runConfigValidate failed: %v", err)
	}
	if !strings.Contains(out.String(), "warning") {
		t.Errorf("expected weight warning:\n%s", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	cmd, out := testCommand()
	versionCmd.Run(cmd, nil)

	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v", err)
	}
	if info["name"] != "kestrel" || info["version"] != Version {
		t.Errorf("unexpected version info: %v", info)
	}
}
