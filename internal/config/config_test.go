package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), Filename)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvSocket, EnvLogLevel, EnvLogFormat, EnvTrace, EnvSearchPath, EnvHelperPath} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv(EnvConfig, filepath.Join(t.TempDir(), "absent.yaml"))
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
socket: /tmp/dlbridge.sock
log:
  level: debug
  format: json
trace: /tmp/calls.trace
search_paths: [/opt/lib, /usr/local/lib]
preload:
  - libm.so.6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket != "/tmp/dlbridge.sock" || cfg.Trace != "/tmp/calls.trace" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if len(cfg.SearchPaths) != 2 || cfg.SearchPaths[1] != "/usr/local/lib" {
		t.Fatalf("search paths = %q", cfg.SearchPaths)
	}
	if len(cfg.Preload) != 1 || cfg.Preload[0] != "libm.so.6" {
		t.Fatalf("preload = %q", cfg.Preload)
	}
}

func TestLoadMissing(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("explicit missing file = %v, want ErrNotExist", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("default missing file: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, "sockte: /tmp/x\n")); err == nil {
		t.Fatal("expected error for misspelled key")
	}
	if _, err := Load(writeConfig(t, "log: {format: xml}\n")); err == nil {
		t.Fatal("expected error for unknown log format")
	}
	if _, err := Load(writeConfig(t, "log: {level: loud}\n")); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	if _, err := Load(""); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "socket: /from/file\nsearch_paths: [/file/lib]\n")
	t.Setenv(EnvSocket, "/from/env")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvSearchPath, strings.Join([]string{"/env/a", "/env/b"}, string(os.PathListSeparator)))

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Socket != "/from/env" {
		t.Fatalf("socket = %q", cfg.Socket)
	}
	if l, _ := cfg.Level(); l != slog.LevelWarn {
		t.Fatalf("level = %v", l)
	}
	want := []string{"/env/a", "/env/b", "/file/lib"}
	if strings.Join(cfg.SearchPaths, ",") != strings.Join(want, ",") {
		t.Fatalf("search paths = %q, want %q", cfg.SearchPaths, want)
	}
}

func TestEnvChangesAfterFirstLoad(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Socket != "" {
		t.Fatalf("socket before env = %q", cfg.Socket)
	}

	t.Setenv(EnvSocket, "/late/env.sock")
	t.Setenv(EnvTrace, "/late/calls.trace")
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Socket != "/late/env.sock" || cfg.Trace != "/late/calls.trace" {
		t.Fatalf("env set after first load ignored: %+v", cfg)
	}

	os.Unsetenv(EnvSocket)
	cfg, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Socket != "" {
		t.Fatalf("unset env still visible: socket = %q", cfg.Socket)
	}

	conf := filepath.Join(t.TempDir(), "other.yaml")
	t.Setenv(EnvConfig, conf)
	if got := DefaultPath(); got != conf {
		t.Fatalf("DefaultPath() = %q, want %q", got, conf)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"
	log, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("library opened", "handle", 1)
	if !strings.Contains(buf.String(), `"msg":"library opened"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	cfg.Log = Log{Level: "error", Format: "text"}
	log, _ = cfg.NewLogger(&buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at error level: %q", buf.String())
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Preload = []string{"libz.so"}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var back Config
	if err := back.Parse(data); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back.Log != cfg.Log || len(back.Preload) != 1 {
		t.Fatalf("round trip = %+v", back)
	}
}
