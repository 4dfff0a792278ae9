package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/risk"
)

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	assessPolicyPath, assessBaselinePath, assessFormat = "", "", "table"
	assessTablePaths, policyTablePaths = nil, nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTablesValidate(t *testing.T) {
	out, err := run(t, "tables", "validate", "testdata/v4.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "OK    testdata/v4.yaml (version v4)")

	out, err = run(t, "tables", "validate", "testdata/v4.yaml", "testdata/bad_table.yaml")
	require.Error(t, err)
	assert.Contains(t, out, "FAIL  testdata/bad_table.yaml")
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestTablesShow(t *testing.T) {
	out, err := run(t, "tables", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "v3")
	assert.Contains(t, out, "selfReport")

	out, err = run(t, "tables", "show", "testdata/v4.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "1.00")
}

func TestPolicyCheck(t *testing.T) {
	out, err := run(t, "policy", "check", "testdata/desk_policy.json")
	require.NoError(t, err)
	assert.Contains(t, out, "hold at 70, block at 80")

	_, err = run(t, "policy", "check", "testdata/bad_policy.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be below blockCeiling")
}

func TestAssess_DefaultPolicy(t *testing.T) {
	out, err := run(t, "assess", "testdata/hold_request.json", "--format", "json")
	require.NoError(t, err)

	var a risk.Assessment
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, 67, a.RiskScore)
	assert.Equal(t, risk.VerdictHold, a.Verdict)
	assert.Equal(t, "v3", a.WeightTableVersion)
	require.NotNil(t, a.Analysis)
}

func TestAssess_CustomPolicy(t *testing.T) {
	out, err := run(t, "assess", "testdata/hold_request.json", "--policy", "testdata/desk_policy.json")
	require.NoError(t, err)
	assert.Contains(t, out, "GO", "67 is under the desk threshold of 70")
	assert.Contains(t, out, "pol_desk")
	assert.Contains(t, out, "MODALITY")

	assert.Regexp(t, `Analyst:\s+fallback \(stress \d+\.\d, (go|hold|block)\)`, out)
	assert.NotContains(t, out, "%!")
}

func TestAssess_InvalidRequest(t *testing.T) {
	rootCmd.SetIn(bytes.NewBufferString(`{"userId":"usr_cli","signals":{"selfReportedStress":12}}`))
	defer rootCmd.SetIn(nil)

	_, err := run(t, "assess", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request")
}

func TestAssess_BadFormat(t *testing.T) {
	_, err := run(t, "assess", "testdata/hold_request.json", "--format", "xml")
	require.Error(t, err)
}
