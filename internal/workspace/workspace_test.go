package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirServiceGetAndList(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"api", "frontend", ".hidden"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	svc, err := NewDirService(root)
	if err != nil {
		t.Fatalf("NewDirService: %v", err)
	}

	ws, err := svc.Get("api")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ws == nil || ws.LocalPath != filepath.Join(root, "api") {
		t.Fatalf("workspace = %+v", ws)
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list len = %d, want 2", len(list))
	}
	if list[0].ID != "api" || list[1].ID != "frontend" {
		t.Fatalf("list order = %s, %s", list[0].ID, list[1].ID)
	}
}

func TestDirServiceGetUnknownReturnsNil(t *testing.T) {
	svc, err := NewDirService(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirService: %v", err)
	}
	for _, id := range []string{"missing", "", "..", "a/b", `a\b`} {
		ws, err := svc.Get(id)
		if err != nil {
			t.Fatalf("Get(%q): %v", id, err)
		}
		if ws != nil {
			t.Fatalf("Get(%q) = %+v, want nil", id, ws)
		}
	}
}
