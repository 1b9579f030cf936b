package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_FromWorkspaceRoot(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\ntimeout: 10m\n")

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Workspace != dir {
		t.Errorf("Workspace = %q, want %q", res.Workspace, dir)
	}
	if res.Config.Version != 1 {
		t.Errorf("Config.Version = %d, want 1", res.Config.Version)
	}
	if res.Config.Timeout() != 10*time.Minute {
		t.Errorf("Timeout() = %v, want 10m", res.Config.Timeout())
	}
	if res.Path != filepath.Join(dir, FileName) {
		t.Errorf("Path = %q", res.Path)
	}
}

func TestLoad_FromSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "version: 2\n")

	sub := filepath.Join(root, "lv_port_linux", "build-default")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := Load(sub)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Workspace != root {
		t.Errorf("Workspace = %q, want %q", res.Workspace, root)
	}
	if res.Config.Version != 2 {
		t.Errorf("Config.Version = %d, want 2", res.Config.Version)
	}
}

func TestLoad_RelativeWorkspace(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "workspace: boards\n")

	res, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(root, "boards"); res.Workspace != want {
		t.Errorf("Workspace = %q, want %q", res.Workspace, want)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	dir := t.TempDir()

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Workspace != dir {
		t.Errorf("Workspace = %q, want %q", res.Workspace, dir)
	}
	if res.Path != "" {
		t.Errorf("Path = %q, want empty", res.Path)
	}
	if res.Config.Timeout() != DefaultTimeout {
		t.Errorf("Timeout() = %v, want default", res.Config.Timeout())
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "session: [unclosed\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "session:\n  read_timeout: soon\n")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "session.read_timeout") {
		t.Errorf("error = %q, want it to name the key", err)
	}
}

func TestSession_Defaults(t *testing.T) {
	var s SessionConfig
	if s.Sentinel() != DefaultSentinel {
		t.Errorf("Sentinel() = %q", s.Sentinel())
	}
	if s.ReadTimeout() != DefaultReadTimeout {
		t.Errorf("ReadTimeout() = %v", s.ReadTimeout())
	}
	if s.GracePeriod() != DefaultGracePeriod {
		t.Errorf("GracePeriod() = %v", s.GracePeriod())
	}
	if s.KillWait() != DefaultKillWait {
		t.Errorf("KillWait() = %v", s.KillWait())
	}
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
results_dir: /var/lib/lvbench
max_output: 4096
session:
  sentinel: "ALL DONE"
  read_timeout: 45s
  grace_period: 10s
  kill_wait: 2s
esp32:
  idf_root: /opt/esp
  flash_ports: [/dev/ttyACM2]
  variants:
    eve:
      idf_version: 5.3.1
      mac: "34:85:18:6c:f6:dc"
rzg3e:
  address: 10.0.0.5
stm32:
  run_enabled: true
`)

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := res.Config
	if got := c.ResultsDir(dir); got != "/var/lib/lvbench" {
		t.Errorf("ResultsDir = %q", got)
	}
	if c.MaxOutputBytes() != 4096 {
		t.Errorf("MaxOutputBytes = %d", c.MaxOutputBytes())
	}
	if c.Session.Sentinel() != "ALL DONE" {
		t.Errorf("Sentinel = %q", c.Session.Sentinel())
	}
	if c.Session.ReadTimeout() != 45*time.Second || c.Session.GracePeriod() != 10*time.Second || c.Session.KillWait() != 2*time.Second {
		t.Errorf("session durations = %v/%v/%v", c.Session.ReadTimeout(), c.Session.GracePeriod(), c.Session.KillWait())
	}
	if c.ESP32.Variants["eve"].IDFVersion != "5.3.1" {
		t.Errorf("eve variant = %+v", c.ESP32.Variants["eve"])
	}
	if len(c.ESP32.FlashPorts) != 1 || c.ESP32.FlashPorts[0] != "/dev/ttyACM2" {
		t.Errorf("FlashPorts = %v", c.ESP32.FlashPorts)
	}
	if c.RZG3E.Address != "10.0.0.5" || !c.STM32.RunEnabled {
		t.Errorf("rzg3e/stm32 = %+v/%+v", c.RZG3E, c.STM32)
	}
}

func TestResultsDir_DefaultRelative(t *testing.T) {
	c := &Config{}
	if got, want := c.ResultsDir("/ws"), filepath.Join("/ws", DefaultResultsDir); got != want {
		t.Errorf("ResultsDir = %q, want %q", got, want)
	}
}
