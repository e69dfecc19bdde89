package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keyalloc"
	"github.com/ineyio/keyalloc/internal/bootstrap"
	"github.com/ineyio/keyalloc/internal/cli"
)

type harness struct {
	t    *testing.T
	dir  string
	opts bootstrap.Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := `
store:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "keys.db") + `
ceilings:
  requests: 3
  tokens: 1000
throttle:
  policy: skip
log:
  level: error
`
	cfgPath := filepath.Join(dir, "keyalloc.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	keys := "K1=secret-aaaa1111\nK2=secret-bbbb2222\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys.env"), []byte(keys), 0o600))

	return &harness{
		t:   t,
		dir: dir,
		opts: bootstrap.Options{
			ConfigPath: cfgPath,
			EnvFile:    filepath.Join(dir, "missing.env"),
		},
	}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := cli.NewRootCommand(h.opts)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, out)
	return out
}

func (h *harness) acquire(args ...string) keyalloc.Grant {
	h.t.Helper()
	out := h.mustRun(append([]string{"acquire", "--service", "gemini", "--format", "json"}, args...)...)
	var g keyalloc.Grant
	require.NoError(h.t, json.Unmarshal([]byte(out), &g))
	return g
}

func TestCLI_EndToEnd(t *testing.T) {
	h := newHarness(t)

	assert.Contains(t, h.mustRun("migrate"), "schema ready")

	out := h.mustRun("provision", "--file", filepath.Join(h.dir, "keys.env"), "--service", "gemini")
	assert.Contains(t, out, "K1 ...1111")
	assert.NotContains(t, out, "secret-")

	g1 := h.acquire()
	assert.Equal(t, "K1", g1.CredentialID)
	assert.Equal(t, "secret-aaaa1111", g1.Secret)
	assert.NotEmpty(t, g1.ReservationID)

	// K2 was never used, so it comes before K1.
	g2 := h.acquire()
	assert.Equal(t, "K2", g2.CredentialID)

	out = h.mustRun("commit", "--id", "K1", "--reservation", g1.ReservationID, "--tokens", "100", "--success")
	assert.Contains(t, out, "K1 requests=1/3 tokens=100/1000 status=eligible")

	out = h.mustRun("status", "--service", "gemini", "--format", "json")
	assert.NotContains(t, out, "secret-")
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "...1111", views[0]["secret"])
	assert.Equal(t, "eligible", views[0]["status"])

	table := h.mustRun("status", "--service", "gemini")
	assert.True(t, strings.HasPrefix(table, "ID"))
	assert.Contains(t, table, "...2222")

	h.mustRun("retire", "--id", "K1")
	h.mustRun("retire", "--id", "K2")

	_, err := h.run("acquire", "--service", "gemini")
	require.Error(t, err)
	assert.Equal(t, cli.ExitPoolExhausted, cli.ExitCode(err))

	assert.Contains(t, h.mustRun("reset"), "reset 2 credentials")
	assert.Contains(t, h.mustRun("prune", "--older-than", "1h"), "pruned 0 usage rows")
}

func TestCLI_EnvFormat(t *testing.T) {
	h := newHarness(t)
	h.mustRun("migrate")
	h.mustRun("provision", "--file", filepath.Join(h.dir, "keys.env"), "--service", "gemini")

	out := h.mustRun("acquire", "--service", "gemini", "--format", "env",
		"--mode", "reserve", "--tokens", "200", "--lease", "1m")
	assert.Contains(t, out, "KEY_NAME=K1\n")
	assert.Contains(t, out, "API_KEY=secret-aaaa1111\n")
	assert.Contains(t, out, "RESERVATION_ID=")
	assert.Contains(t, out, "PREDICTED_TOKENS=200\n")
	assert.Contains(t, out, "LEASE_UNTIL=")

	// The lease keeps K1 away from every other caller.
	h.mustRun("retire", "--id", "K2")
	_, err := h.run("acquire", "--service", "gemini")
	assert.Equal(t, cli.ExitPoolExhausted, cli.ExitCode(err))
}

func TestCLI_PlainFormatPrintsSecretOnly(t *testing.T) {
	h := newHarness(t)
	h.mustRun("migrate")
	h.mustRun("provision", "--file", filepath.Join(h.dir, "keys.env"), "--service", "gemini")

	out := h.mustRun("acquire", "--service", "gemini")
	assert.Equal(t, "secret-aaaa1111\n", out)
}

func TestCLI_ExitCodes(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("acquire", "--service", "gemini", "--mode", "bogus")
	assert.Equal(t, cli.ExitUsage, cli.ExitCode(err))

	_, err = h.run("acquire", "--no-such-flag")
	assert.Equal(t, cli.ExitUsage, cli.ExitCode(err))

	_, err = h.run("acquire")
	assert.Equal(t, cli.ExitUsage, cli.ExitCode(err))

	h.opts.ConfigPath = filepath.Join(h.dir, "missing.yaml")
	_, err = h.run("reset")
	assert.Equal(t, cli.ExitConfiguration, cli.ExitCode(err))

	assert.Equal(t, cli.ExitOK, cli.ExitCode(nil))
	assert.Equal(t, cli.ExitStore, cli.ExitCode(keyalloc.ErrTransientStore))
}

func TestCLI_MissingSchemaIsConfigurationError(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("acquire", "--service", "gemini")
	require.Error(t, err)
	assert.Equal(t, cli.ExitConfiguration, cli.ExitCode(err), out)
	assert.Contains(t, err.Error(), "run migrate")

	_, err = h.run("provision", "--file", filepath.Join(h.dir, "keys.env"), "--service", "gemini")
	assert.Equal(t, cli.ExitConfiguration, cli.ExitCode(err))

	h.mustRun("migrate")
	h.mustRun("provision", "--file", filepath.Join(h.dir, "keys.env"), "--service", "gemini")
	assert.Equal(t, "K1", h.acquire().CredentialID)
}

func TestCLI_StoreDriverRequired(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.opts.ConfigPath, []byte(`
ceilings:
  requests: 3
  tokens: 1000
log:
  level: error
`), 0o600))

	_, err := h.run("acquire", "--service", "gemini")
	require.Error(t, err)
	assert.Equal(t, cli.ExitConfiguration, cli.ExitCode(err))
	assert.Contains(t, err.Error(), "store.driver is required")
}

func TestCLI_Usage(t *testing.T) {
	h := newHarness(t)
	h.mustRun("migrate")
	h.mustRun("provision", "--file", filepath.Join(h.dir, "keys.env"), "--service", "gemini")

	assert.Equal(t, "no usage rows\n", h.mustRun("usage"))

	g1 := h.acquire("--mode", "reserve", "--tokens", "300")
	h.mustRun("commit", "--id", g1.CredentialID, "--reservation", g1.ReservationID,
		"--mode", "reserve", "--predicted", "300", "--tokens", "120", "--success")
	g2 := h.acquire()
	h.mustRun("commit", "--id", g2.CredentialID, "--tokens", "50", "--rate-limited")

	table := h.mustRun("usage", "--service", "gemini")
	lines := strings.Split(strings.TrimSpace(table), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RECORDED AT"))
	assert.Contains(t, lines[1], "K2")
	assert.Contains(t, lines[2], "K1")
	assert.Contains(t, lines[2], g1.ReservationID)
	assert.NotContains(t, table, "secret-")

	out := h.mustRun("usage", "--id", "K1", "--format", "json")
	var records []keyalloc.UsageRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "K1", records[0].CredentialID)
	assert.Equal(t, keyalloc.ModeReserve, records[0].Mode)
	assert.Equal(t, int64(300), records[0].PredictedTokens)
	assert.Equal(t, int64(-180), records[0].DeltaTokens)
	assert.True(t, records[0].Success)

	out = h.mustRun("usage", "--limit", "1", "--format", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "K2", records[0].CredentialID)
	assert.True(t, records[0].RateLimited)

	_, err := h.run("usage", "--limit", "-1")
	assert.Equal(t, cli.ExitUsage, cli.ExitCode(err))
}
