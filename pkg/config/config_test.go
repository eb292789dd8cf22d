package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ha1tch/gotds/pkg/tds"
)

func TestNewAppliesDefaults(t *testing.T) {
	creds := tds.Credentials{Username: "sa", Password: "pw", Database: "master"}
	cfg := New("localhost", 1433, creds)

	if cfg.AppName != "gotds" {
		t.Errorf("AppName = %q, want gotds", cfg.AppName)
	}
	if cfg.PacketSize != tds.DefaultPacketSize {
		t.Errorf("PacketSize = %d, want %d", cfg.PacketSize, tds.DefaultPacketSize)
	}
	if cfg.Addr() != "localhost:1433" {
		t.Errorf("Addr() = %q, want localhost:1433", cfg.Addr())
	}
}

func TestWithOptionsOverrideDefaults(t *testing.T) {
	creds := tds.Credentials{Username: "sa", Password: "pw"}
	cfg := New("db.internal", 1433, creds, WithDatabase("analytics"), WithPacketSize(8192), WithAppName("myapp"))

	if cfg.Database != "analytics" {
		t.Errorf("Database = %q, want analytics", cfg.Database)
	}
	if cfg.PacketSize != 8192 {
		t.Errorf("PacketSize = %d, want 8192", cfg.PacketSize)
	}
	if cfg.AppName != "myapp" {
		t.Errorf("AppName = %q, want myapp", cfg.AppName)
	}
}

func TestLoadFileParsesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"host":"10.0.0.5","port":1433,"user":"sa","password":"pw","database":"orders","app_name":"orderscli"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Host != "10.0.0.5" || cfg.Username != "sa" || cfg.Database != "orders" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.AppName != "orderscli" {
		t.Errorf("AppName = %q, want orderscli", cfg.AppName)
	}
}

func TestLoadFileRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}
