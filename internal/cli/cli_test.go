package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calmerge/internal/config"
	"calmerge/internal/ingest"
	appLog "calmerge/internal/log"
)

// writeConfig stores a minimal YAML config pointing at a temp database.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calmerge.yaml")
	yml := "store:\n  path: " + filepath.Join(dir, "events.db") + "\nfetch:\n  attempts: 1\n  delay: 0s\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	return path
}

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "")
	opts := &RootOptions{
		ConfigPath: path,
		Getenv: envFrom(map[string]string{
			config.EnvSourceAURL: "https://a.example.com/a.ics",
			config.EnvListen:     "0.0.0.0:9999",
		}),
	}

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Listen)
	require.Len(t, cfg.EnabledSources(), 1)
	assert.Equal(t, "SourceA", cfg.EnabledSources()[0].Prefix)
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	path := writeConfig(t, "")
	opts := &RootOptions{
		ConfigPath: path,
		Listen:     "127.0.0.1:4000",
		LogLevel:   "debug",
		Getenv:     envFrom(map[string]string{config.EnvListen: "0.0.0.0:9999"}),
	}
	defer appLog.SetLevel(appLog.LevelInfo)

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "ingest:\n  update_policy: everything\n")
	_, err := loadConfig(&RootOptions{ConfigPath: path, Getenv: envFrom(nil)})
	assert.ErrorContains(t, err, "update_policy")
}

func TestLoadConfig_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new", "calmerge.yaml")
	_, err := loadConfig(&RootOptions{ConfigPath: path, Getenv: envFrom(nil)})
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestIngestThenEvents(t *testing.T) {
	feed := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//calmerge//test//EN",
		"BEGIN:VEVENT",
		"UID:1",
		"DTSTART:20240101T100000Z",
		"DTEND:20240101T110000Z",
		"SUMMARY:Review",
		"STATUS:CONFIRMED",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	path := writeConfig(t, "")
	env := envFrom(map[string]string{config.EnvSourceAURL: srv.URL})
	ctx := context.Background()

	opts := &RootOptions{ConfigPath: path, Getenv: env}
	cfg, err := loadConfig(opts)
	require.NoError(t, err)

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, printReports(&out, a.scheduler.RunOnce(ctx)))
	assert.Contains(t, out.String(), "source-a\tok\tinserted=1")

	body, err := a.query.Query(ctx, "2024-01-01", "2024-01-02")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"title":"[SourceA] Review"`)
	assert.Contains(t, string(body), `"color":"green"`)
	require.NoError(t, a.Close())
}

func TestPrintReports(t *testing.T) {
	var out bytes.Buffer
	err := printReports(&out, []ingest.PassReport{
		{Source: "source-a", Result: ingest.Result{Inserted: 2, Unchanged: 1}},
		{Source: "source-b", Err: errors.New("ics: fetch failed")},
		{Source: "source-c", Skipped: true},
	})

	assert.EqualError(t, err, "1 of 3 source(s) failed")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "source-a\tok\tinserted=2 updated=0 unchanged=1 failed=0", lines[0])
	assert.Equal(t, "source-b\terror\tics: fetch failed", lines[1])
	assert.Equal(t, "source-c\tskipped", lines[2])

	out.Reset()
	assert.NoError(t, printReports(&out, nil))
}

func TestEventsCommand(t *testing.T) {
	t.Setenv(config.EnvRedisAddr, "")
	t.Setenv(config.EnvDBPath, "")
	path := writeConfig(t, "")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"events", "--config", path, "--start", "2024-01-01", "--end", "2024-01-02"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "[]\n", out.String())
}

func TestEventsCommand_RequiresBounds(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"events", "--config", writeConfig(t, ""), "--start", "2024-01-01"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["ingest"])
	assert.True(t, names["events"])
}
