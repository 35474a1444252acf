package instance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATD_HOME", home)

	tests := []struct {
		got, want string
	}{
		{Dir("main"), filepath.Join(home, "instances", "main")},
		{SocketPath("test"), filepath.Join(home, "instances", "test", "control.sock")},
		{LockPath("test"), filepath.Join(home, "instances", "test", "LOCK")},
		{StorePath("test", "sqlite"), filepath.Join(home, "instances", "test", "chatd.db")},
		{StorePath("test", "badger"), filepath.Join(home, "instances", "test", "badger")},
		{LogPath("test"), filepath.Join(home, "instances", "test", "logs", "chatd.log")},
		{ConfigPath(), filepath.Join(home, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATD_HOME", t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v", info.Mode())
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("flag", "cfg"); got != "flag" {
		t.Errorf("flag precedence: %q", got)
	}
	if got := Resolve("", "cfg"); got != "cfg" {
		t.Errorf("config precedence: %q", got)
	}
	if got := Resolve("", ""); got != DefaultName {
		t.Errorf("default: %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with hyphen", "eu-west_2", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.instance", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "a/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
