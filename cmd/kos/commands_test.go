package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/kos/internal/config"
)

// useDataDir points openApp at a fresh sqlite database under t.TempDir.
func useDataDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	old := loadConfig
	t.Cleanup(func() { loadConfig = old })
	loadConfig = func() (config.Config, error) {
		cfg := config.Default()
		cfg.Storage.DataDir = dir
		cfg.LLM.Provider = "none"
		cfg.Worker.BackoffBase = 0
		cfg.Log.Level = "error"
		return cfg, nil
	}
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	defer rootCmd.SetOut(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("kos %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	useDataDir(t)
	_, err := execute(t, "ingest")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}

	_, err = execute(t, "ingest", "--text", "a", "--url", "http://example.com")
	if err == nil {
		t.Fatal("expected error for two sources")
	}
}

func TestIngestCommand_Text(t *testing.T) {
	useDataDir(t)
	out := mustExecute(t, "ingest", "--text", "hello world", "--tenant", "acme", "--title", "Greeting")

	var res map[string]string
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if res["item_id"] == "" || res["event_id"] == "" {
		t.Errorf("missing ids in %v", res)
	}

	stats := mustExecute(t, "outbox", "stats")
	if !strings.Contains(stats, "pending: 1") {
		t.Errorf("stats = %q, want one pending event", stats)
	}
}

func TestIngestCommand_File(t *testing.T) {
	useDataDir(t)
	path := filepath.Join(t.TempDir(), "meeting_notes.md")
	if err := os.WriteFile(path, []byte("# Standup\n\nShip the outbox."), 0o644); err != nil {
		t.Fatal(err)
	}
	out := mustExecute(t, "ingest", "--file", path)
	if !strings.Contains(out, "item_id") {
		t.Errorf("output = %q", out)
	}
}

func TestIngestWatchOnce(t *testing.T) {
	useDataDir(t)
	dir := t.TempDir()
	for name, body := range map[string]string{
		"a.txt":       "first note",
		"b.md":        "# Second\n\nnote",
		"image.png":   "not text",
		".hidden.txt": "skip me",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mustExecute(t, "ingest", "watch", dir, "--once")
	stats := mustExecute(t, "outbox", "stats")
	if !strings.Contains(stats, "pending: 2") {
		t.Errorf("stats = %q, want two pending events", stats)
	}
}

func TestPipelineCommands(t *testing.T) {
	useDataDir(t)
	mustExecute(t, "ingest", "--text", "Researchers at Stanford University published the compiler notes.")
	mustExecute(t, "worker", "--once")

	stats := mustExecute(t, "outbox", "stats")
	if !strings.Contains(stats, "pending: 0") || !strings.Contains(stats, "failed: 0") {
		t.Errorf("stats after drain = %q", stats)
	}

	list := mustExecute(t, "entity", "list")
	if !strings.Contains(list, "Stanford University") {
		t.Errorf("entity list = %q", list)
	}

	page := mustExecute(t, "entity", "page", "Stanford University")
	if !strings.HasPrefix(page, "# Stanford University") {
		t.Errorf("entity page = %q", page)
	}

	pageJSON := mustExecute(t, "entity", "page", "Stanford University", "--json")
	var view map[string]any
	if err := json.Unmarshal([]byte(pageJSON), &view); err != nil {
		t.Fatalf("entity page --json: %v", err)
	}
	if view["page"] == nil {
		t.Error("expected a built page artifact")
	}

	hits := mustExecute(t, "search", "compiler")
	if !strings.Contains(hits, "1. [") {
		t.Errorf("search output = %q", hits)
	}
	if !strings.Contains(hits, "related: Stanford University (organization)") {
		t.Errorf("search output lacks related entities: %q", hits)
	}
	if paged := mustExecute(t, "search", "compiler", "--offset", "1"); strings.Contains(paged, "1. [") {
		t.Errorf("offset search = %q", paged)
	}

	actions := mustExecute(t, "actions", "--agent", "chunk_agent")
	if !strings.Contains(actions, "chunk_agent") || strings.Contains(actions, "entity_page_agent") {
		t.Errorf("actions output = %q", actions)
	}
}

func TestWorkerCommand_UnknownAgent(t *testing.T) {
	useDataDir(t)
	_, err := execute(t, "worker", "--once", "--agents", "chunk,bogus")
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("err = %v, want unknown agent error", err)
	}
}

func TestSearchCommand_VectorWithoutEngine(t *testing.T) {
	useDataDir(t)
	_, err := execute(t, "search", "anything", "--mode", "vector")
	if err == nil || !strings.Contains(err.Error(), "--mode text") {
		t.Errorf("err = %v", err)
	}
}

func TestEntityPage_NotFound(t *testing.T) {
	useDataDir(t)
	_, err := execute(t, "entity", "page", "Nobody")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestOutboxRetry_Unknown(t *testing.T) {
	useDataDir(t)
	_, err := execute(t, "outbox", "retry", "no-such-event")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestOutboxFailed_Empty(t *testing.T) {
	useDataDir(t)
	out := mustExecute(t, "outbox", "failed")
	if out != "" {
		t.Errorf("expected no table, got %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("KOS_CONFIG", path)
	t.Setenv("KOS_SERVER_TOKEN", "s3cret")
	old := loadConfig
	loadConfig = config.Load
	t.Cleanup(func() { loadConfig = old })

	mustExecute(t, "config", "set", "worker.batch_size", "7")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "batch_size = 7") {
		t.Errorf("config file = %q", raw)
	}

	out := mustExecute(t, "config", "show")
	if !strings.Contains(out, "worker.batch_size = 7") {
		t.Errorf("show = %q", out)
	}
	if !strings.Contains(out, "server.token = ********") || strings.Contains(out, "s3cret") {
		t.Errorf("secret not masked: %q", out)
	}

	if _, err := execute(t, "config", "set", "server.token", "x"); err == nil {
		t.Error("expected error setting a secret")
	}

	mustExecute(t, "config", "unset", "worker.batch_size")
	out = mustExecute(t, "config", "show")
	if strings.Contains(out, "worker.batch_size = 7") {
		t.Errorf("unset did not restore default: %q", out)
	}

	keys := mustExecute(t, "config", "keys")
	if strings.Contains(keys, "server.token") || !strings.Contains(keys, "pipeline.chunk_size") {
		t.Errorf("keys = %q", keys)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" chunk, ,extract ,")
	if len(got) != 2 || got[0] != "chunk" || got[1] != "extract" {
		t.Errorf("splitList = %q", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	if got := oneLine("abcdef", 3); got != "abc..." {
		t.Errorf("oneLine truncation = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	l := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	if !l.Handler().Enabled(t.Context(), -4) {
		t.Error("debug level not enabled")
	}
	l = newLogger(config.LogConfig{Level: "warn", Format: "text"})
	if l.Handler().Enabled(t.Context(), 0) {
		t.Error("info enabled at warn level")
	}
}
