package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~/.ssh/id_rsa", filepath.Join(home, ".ssh", "id_rsa")},
		{"~", home},
		{"/etc/ssh/key", "/etc/ssh/key"},
		{"~other/key", "~other/key"},
		{"relative/key", "relative/key"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ExpandHome(tt.in); got != tt.want {
				t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandHomeAllSkipsBlanks(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got := ExpandHomeAll([]string{"~/a", " ", "", "/b"})
	if len(got) != 2 {
		t.Fatalf("expected 2 paths, got %d: %v", len(got), got)
	}
	if got[0] != filepath.Join(home, "a") {
		t.Errorf("got[0] = %q", got[0])
	}
	if got[1] != "/b" {
		t.Errorf("got[1] = %q", got[1])
	}
}
