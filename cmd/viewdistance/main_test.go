package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8090", "http://localhost:8090"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := localURL(tt.addr); got != tt.want {
				t.Errorf("localURL(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestResolveDBPath(t *testing.T) {
	t.Run("absolute path is kept and its directory created", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "nested", "vd.db")

		got, err := resolveDBPath(p)
		if err != nil {
			t.Fatalf("resolveDBPath() error = %v", err)
		}
		if got != p {
			t.Errorf("resolveDBPath() = %s, want %s", got, p)
		}
		if info, err := os.Stat(filepath.Dir(p)); err != nil || !info.IsDir() {
			t.Errorf("directory not created: %v", err)
		}
	})

	t.Run("relative path goes under home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)

		got, err := resolveDBPath("vd.db")
		if err != nil {
			t.Fatalf("resolveDBPath() error = %v", err)
		}
		if want := filepath.Join(home, ".viewdistance", "vd.db"); got != want {
			t.Errorf("resolveDBPath() = %s, want %s", got, want)
		}
	})
}
