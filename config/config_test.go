package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasm-stdio-bridge/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantKind errors.Kind
		check    func(t *testing.T, c *Config)
	}{
		{
			name: "empty uses defaults",
			data: "",
			check: func(t *testing.T, c *Config) {
				if c.Engine.ProgramName != "gs" {
					t.Errorf("ProgramName = %q", c.Engine.ProgramName)
				}
				if c.Server.Addr != "127.0.0.1:8080" {
					t.Errorf("Addr = %q", c.Server.Addr)
				}
			},
		},
		{
			name: "full",
			data: `
engine:
  wasm: /opt/gs/gs.wasm
  memoryLimitPages: 4096
  env:
    GS_LIB: /lib
run:
  timeout: 30s
  defaultArgs: ["-dSAFER", "-dBATCH"]
log:
  level: debug
server:
  addr: ":9000"
  maxRuns: 4
`,
			check: func(t *testing.T, c *Config) {
				if c.Engine.WASM != "/opt/gs/gs.wasm" || c.Engine.MemoryLimitPages != 4096 {
					t.Errorf("Engine = %+v", c.Engine)
				}
				if c.Engine.Env["GS_LIB"] != "/lib" {
					t.Errorf("Env = %v", c.Engine.Env)
				}
				if c.Engine.ProgramName != "gs" {
					t.Errorf("default ProgramName lost: %q", c.Engine.ProgramName)
				}
				d, err := c.Run.TimeoutDuration()
				if err != nil || d != 30*time.Second {
					t.Errorf("TimeoutDuration = %v, %v", d, err)
				}
				if len(c.Run.DefaultArgs) != 2 {
					t.Errorf("DefaultArgs = %v", c.Run.DefaultArgs)
				}
				if c.Server.Addr != ":9000" || c.Server.MaxRuns != 4 {
					t.Errorf("Server = %+v", c.Server)
				}
			},
		},
		{name: "unknown field", data: "engine:\n  wsam: x\n", wantKind: errors.KindInvalidData},
		{name: "bad yaml", data: "engine: [", wantKind: errors.KindInvalidData},
		{name: "bad timeout", data: "run:\n  timeout: soon\n", wantKind: errors.KindInvalidInput},
		{name: "negative timeout", data: "run:\n  timeout: -1s\n", wantKind: errors.KindInvalidInput},
		{name: "bad level", data: "log:\n  level: loud\n", wantKind: errors.KindInvalidInput},
		{name: "bad env", data: "engine:\n  env:\n    \"A=B\": x\n", wantKind: errors.KindInvalidInput},
		{name: "negative max runs", data: "server:\n  maxRuns: -1\n", wantKind: errors.KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.data))
			if tt.wantKind != "" {
				if errors.KindOf(err) != tt.wantKind {
					t.Fatalf("err = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestParse_TooLarge(t *testing.T) {
	data := []byte(strings.Repeat("#", MaxFileSize+1))
	if _, err := Parse(data); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	if err := os.WriteFile(path, []byte("log:\n  development: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.Log.Development {
		t.Error("Development = false")
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("missing file err = %v, want not found", err)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Default()
	c.Run.Timeout = "1m"
	data, err := c.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal()): %v\n%s", err, data)
	}
	if back.Run.Timeout != "1m" || back.Server.Addr != c.Server.Addr {
		t.Errorf("round trip lost fields: %+v", back)
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	for _, lc := range []LogConfig{{}, {Level: "debug"}, {Level: "warn", Development: true}} {
		l, err := lc.NewLogger()
		if err != nil {
			t.Errorf("NewLogger(%+v): %v", lc, err)
			continue
		}
		_ = l.Sync()
	}
	if _, err := (LogConfig{Level: "loud"}).NewLogger(); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("err = %v, want invalid input", err)
	}
}
