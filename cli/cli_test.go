package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeRuleSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rule.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validRuleSpec = `id: auto-comment
name: Auto comment
enabled: true
triggers:
  - type: MANUAL
actions:
  - type: add-comment
    order: 1
    config:
      body: hello
`

func TestExitCode(t *testing.T) {
	t.Run("Should map error categories onto exit codes", func(t *testing.T) {
		assert.Equal(t, ExitOK, ExitCode(nil))
		assert.Equal(t, ExitValidation, ExitCode(core.NewError(core.CategoryValidation, "bad", "bad")))
		assert.Equal(t, ExitNotFound, ExitCode(core.NotFoundError("rule", "x")))
		assert.Equal(t, ExitPermission, ExitCode(core.NewError(core.CategoryPermission, "no", "no")))
		assert.Equal(t, ExitError, ExitCode(core.NewError(core.CategoryAuth, "no", "no")))
		assert.Equal(t, ExitError, ExitCode(errors.New("plain")))
		assert.Equal(t, ExitError, ExitCode(core.NewError(core.CategoryConnection, "down", "down")))
	})
}

func TestRuleCommands(t *testing.T) {
	t.Run("Should create a rule file from a valid spec", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, validRuleSpec)
		out, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, "auto-comment.yaml"))
		var created rule.Rule
		require.NoError(t, json.Unmarshal([]byte(out), &created))
		assert.Equal(t, core.ID("auto-comment"), created.ID)
		assert.Equal(t, "Auto comment", created.Name)
	})
	t.Run("Should assign an id when the spec has none", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, "name: Unnamed\nenabled: true\ntriggers:\n  - type: MANUAL\nactions:\n  - type: add-comment\n    order: 1\n    config:\n      body: hi\n")
		out, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.NoError(t, err)
		var created rule.Rule
		require.NoError(t, json.Unmarshal([]byte(out), &created))
		assert.NotEmpty(t, created.ID)
		assert.FileExists(t, filepath.Join(dir, string(created.ID)+".yaml"))
	})
	t.Run("Should reject an invalid spec with a validation error", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, "name: Broken\ntriggers:\n  - type: MANUAL\nactions: []\n")
		_, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitValidation, ExitCode(err))
	})
	t.Run("Should reject a duplicate rule id", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, validRuleSpec)
		_, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.NoError(t, err)
		_, err = runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitValidation, ExitCode(err))
	})
	t.Run("Should reject a spec with unknown fields", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, validRuleSpec+"mystery_field: true\n")
		_, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitValidation, ExitCode(err))
	})
	t.Run("Should update an existing rule", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, validRuleSpec)
		_, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.NoError(t, err)

		renamed := writeRuleSpec(t, "name: Renamed\nenabled: false\ntriggers:\n  - type: MANUAL\nactions:\n  - type: add-comment\n    order: 1\n    config:\n      body: hi\n")
		out, err := runCLI(t, "rule", "update", "auto-comment", "-f", renamed, "--dir", dir)
		require.NoError(t, err)
		var updated rule.Rule
		require.NoError(t, json.Unmarshal([]byte(out), &updated))
		assert.Equal(t, core.ID("auto-comment"), updated.ID)
		assert.Equal(t, "Renamed", updated.Name)
	})
	t.Run("Should return not found when updating a missing rule", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, validRuleSpec)
		_, err := runCLI(t, "rule", "update", "missing", "-f", spec, "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitNotFound, ExitCode(err))
	})
	t.Run("Should delete a rule file", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeRuleSpec(t, validRuleSpec)
		_, err := runCLI(t, "rule", "create", "-f", spec, "--dir", dir)
		require.NoError(t, err)
		_, err = runCLI(t, "rule", "delete", "auto-comment", "--dir", dir)
		require.NoError(t, err)
		assert.NoFileExists(t, filepath.Join(dir, "auto-comment.yaml"))

		_, err = runCLI(t, "rule", "delete", "auto-comment", "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitNotFound, ExitCode(err))
	})
	t.Run("Should list rules with filters", func(t *testing.T) {
		dir := t.TempDir()
		first := writeRuleSpec(t, validRuleSpec)
		_, err := runCLI(t, "rule", "create", "-f", first, "--dir", dir)
		require.NoError(t, err)
		second := writeRuleSpec(t, "id: scoped\nname: Scoped\nenabled: false\nproject_scope: [OPS]\ntriggers:\n  - type: MANUAL\nactions:\n  - type: add-comment\n    order: 1\n    config:\n      body: hi\n")
		_, err = runCLI(t, "rule", "create", "-f", second, "--dir", dir)
		require.NoError(t, err)

		out, err := runCLI(t, "rule", "list", "--dir", dir)
		require.NoError(t, err)
		var all []rule.Rule
		require.NoError(t, json.Unmarshal([]byte(out), &all))
		assert.Len(t, all, 2)

		out, err = runCLI(t, "rule", "list", "--dir", dir, "--enabled-only")
		require.NoError(t, err)
		var enabled []rule.Rule
		require.NoError(t, json.Unmarshal([]byte(out), &enabled))
		require.Len(t, enabled, 1)
		assert.Equal(t, core.ID("auto-comment"), enabled[0].ID)

		out, err = runCLI(t, "rule", "list", "--dir", dir, "--project", "DEV")
		require.NoError(t, err)
		var dev []rule.Rule
		require.NoError(t, json.Unmarshal([]byte(out), &dev))
		require.Len(t, dev, 1)
		assert.Equal(t, core.ID("auto-comment"), dev[0].ID)
	})
}

func TestIntegrationCommands(t *testing.T) {
	writeIntegrationSpec := func(t *testing.T, url string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "integration.yaml")
		content := "id: notify\nname: Notify\nurl: " + url + "\nsecret: s3cret\nenabled: true\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("Should register an integration with normalized retry policy", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeIntegrationSpec(t, "https://hooks.example.com/notify")
		out, err := runCLI(t, "integration", "register", "-f", spec, "--dir", dir)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(dir, "notify.yaml"))
		assert.Contains(t, out, `"initial_delay_ms": 1000`)
		assert.Contains(t, out, `"backoff_multiplier": 2`)
	})
	t.Run("Should reject a spec without an absolute url", func(t *testing.T) {
		dir := t.TempDir()
		spec := writeIntegrationSpec(t, "not-a-url")
		_, err := runCLI(t, "integration", "register", "-f", spec, "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitValidation, ExitCode(err))
	})
	t.Run("Should send a test delivery to the configured endpoint", func(t *testing.T) {
		received := make(chan string, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received <- r.Header.Get("X-Webhook-Event")
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		dir := t.TempDir()
		spec := writeIntegrationSpec(t, server.URL)
		_, err := runCLI(t, "integration", "register", "-f", spec, "--dir", dir)
		require.NoError(t, err)

		out, err := runCLI(t, "integration", "test", "notify", "--dir", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "test delivery")
		assert.Equal(t, "webhook.test", <-received)
	})
	t.Run("Should surface a failing endpoint as an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		dir := t.TempDir()
		spec := writeIntegrationSpec(t, server.URL)
		_, err := runCLI(t, "integration", "register", "-f", spec, "--dir", dir)
		require.NoError(t, err)

		_, err = runCLI(t, "integration", "test", "notify", "--dir", dir)
		require.Error(t, err)
		assert.Equal(t, ExitError, ExitCode(err))
	})
	t.Run("Should return not found for an unregistered integration", func(t *testing.T) {
		_, err := runCLI(t, "integration", "test", "ghost", "--dir", t.TempDir())
		require.Error(t, err)
		assert.Equal(t, ExitNotFound, ExitCode(err))
	})
}
