package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/threatlens/core/config"
	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
)

// =============================================================================
// Test Helpers
// =============================================================================

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
dataset:
  samples: 200
classifier:
  params:
    trees: 20
    boosting_rounds: 20
cluster:
  restarts: 3
artifacts:
  dir: ` + filepath.Join(dir, "models") + `
ledger:
  path: ` + filepath.Join(dir, "ledger.db") + `
`
	path := filepath.Join(dir, "threatlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// =============================================================================
// Command Definitions
// =============================================================================

func TestRootCmd_Definition(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "threatlens", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["train"], "train subcommand should exist")
	assert.True(t, names["inspect"], "inspect subcommand should exist")
	assert.True(t, names["classify"], "classify subcommand should exist")

	for _, flag := range []string{"config", "log-level", "log-format", "models"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRootCmd_RejectsBadLogLevel(t *testing.T) {
	_, _, err := execute(t, "", "--config", writeTestConfig(t), "--log-level", "loud", "inspect")
	assert.Error(t, err)
}

// =============================================================================
// Train, Inspect and Classify
// =============================================================================

func TestTrainInspectClassify(t *testing.T) {
	cfgPath := writeTestConfig(t)

	t.Run("train", func(t *testing.T) {
		out, _, err := execute(t, "", "--config", cfgPath, "train", "--ledger", "--json")
		require.NoError(t, err)

		var rep trainReport
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.Equal(t, "succeeded", rep.Status)
		assert.Equal(t, 200, rep.Samples)
		assert.Len(t, rep.Mapping, 3)
		assert.Greater(t, rep.HoldoutAccuracy, 0.85)
	})

	t.Run("train again skips", func(t *testing.T) {
		out, _, err := execute(t, "", "--config", cfgPath, "train", "--ledger")
		require.NoError(t, err)
		assert.Contains(t, out, "training skipped")
	})

	t.Run("inspect", func(t *testing.T) {
		out, _, err := execute(t, "", "--config", cfgPath, "inspect", "--json")
		require.NoError(t, err)

		var rep inspectReport
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.Len(t, rep.Importances, features.Count)
		assert.Len(t, rep.Clusters, 3)
		assert.Equal(t, int64(42), rep.Manifest.Run.Seed)

		text, _, err := execute(t, "", "--config", cfgPath, "inspect")
		require.NoError(t, err)
		assert.Contains(t, text, "Feature importance:")
	})

	t.Run("inspect runs", func(t *testing.T) {
		out, _, err := execute(t, "", "--config", cfgPath, "inspect", "--runs", "5")
		require.NoError(t, err)
		assert.Contains(t, out, "succeeded")
		assert.Contains(t, out, "skipped")
	})

	t.Run("classify malicious", func(t *testing.T) {
		args := []string{"--config", cfgPath, "classify", "--json"}
		for _, kv := range []string{
			"having_IP_Address=yes", "Shortining_Service=yes", "having_At_Symbol=yes",
			"Prefix_Suffix=yes", "SSLfinal_State=none", "Abnormal_URL=yes",
			"URL_of_Anchor=phishing", "SFH=phishing", "Links_in_tags=phishing",
		} {
			args = append(args, "--set", kv)
		}
		out, _, err := execute(t, "", args...)
		require.NoError(t, err)

		var got analysisOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "malicious", got.Label)
		assert.NotEmpty(t, got.Archetype)
		require.NotNil(t, got.ClusterID)
		assert.Len(t, got.Risk, 9)
	})

	t.Run("classify from stdin", func(t *testing.T) {
		stdin := `{"SSLfinal_State":"trusted","URL_of_Anchor":"legitimate","Links_in_tags":"legitimate","SFH":"legitimate","URL_Length":"normal"}`
		out, _, err := execute(t, stdin, "--config", cfgPath, "classify", "--file", "-", "--json")
		require.NoError(t, err)

		var got analysisOutput
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "benign", got.Label)
		assert.Empty(t, got.Archetype)
	})

	t.Run("classify rejects bad input", func(t *testing.T) {
		_, _, err := execute(t, "", "--config", cfgPath, "classify", "--set", "URL_Length=enormous")
		assert.ErrorIs(t, err, tlerrors.ErrSchema)

		_, _, err = execute(t, "", "--config", cfgPath, "classify", "--set", "no-equals")
		assert.ErrorIs(t, err, tlerrors.ErrSchema)
	})
}

func TestClassifyWithoutModels(t *testing.T) {
	_, _, err := execute(t, "", "--config", writeTestConfig(t), "classify")
	require.Error(t, err)
	assert.True(t, tlerrors.IsLoadFailure(err))
	assert.Contains(t, err.Error(), "threatlens train")
}

func TestClassifyList(t *testing.T) {
	out, _, err := execute(t, "", "--config", writeTestConfig(t), "classify", "--list")
	require.NoError(t, err)
	assert.Equal(t, features.Count, strings.Count(out, "\n"))
	assert.Contains(t, out, "SSLfinal_State")
}

// =============================================================================
// Logging
// =============================================================================

func TestNewLogger(t *testing.T) {
	t.Run("auto falls back to json off a terminal", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newLogger(&buf, config.LoggingConfig{Level: "info", Format: "auto"})
		require.NoError(t, err)
		l.Info("hello", "k", 1)
		assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newLogger(&buf, config.LoggingConfig{Level: "info", Format: "text"})
		require.NoError(t, err)
		l.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})
		require.NoError(t, err)
		l.Info("quiet")
		assert.Empty(t, buf.String())
	})
}
