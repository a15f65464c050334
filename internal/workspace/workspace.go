// Package workspace defines the workspace collaborator contract the
// session substrate depends on, plus a directory-backed implementation
// for servers whose workspaces are plain checkouts on local disk.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Workspace is the read-only projection of a workspace the core needs:
// an identifier, a display name, and the filesystem root the shell
// starts in.
type Workspace struct {
	ID        string
	Name      string
	LocalPath string
}

// Service is the collaborator contract. Get returns nil (no error) for
// an unknown id; List returns workspaces in a stable order.
type Service interface {
	Get(id string) (*Workspace, error)
	List() ([]*Workspace, error)
}

// DirService maps immediate subdirectories of a root path to
// workspaces: id and name are the directory name, local path is the
// absolute directory. Directories appearing after construction are
// picked up on each call.
type DirService struct {
	root string

	mu    sync.Mutex
	cache map[string]*Workspace
}

// NewDirService creates a DirService over root. Root must exist.
func NewDirService(root string) (*DirService, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: root %s is not a directory", root)
	}
	return &DirService{root: root, cache: make(map[string]*Workspace)}, nil
}

// Get resolves one workspace by id. Unknown ids return nil, nil.
func (d *DirService) Get(id string) (*Workspace, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, nil
	}
	path := filepath.Join(d.root, id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if ws, ok := d.cache[id]; ok {
		return ws, nil
	}
	ws := &Workspace{ID: id, Name: id, LocalPath: path}
	d.cache[id] = ws
	return ws, nil
}

// List returns all workspaces sorted by id.
func (d *DirService) List() ([]*Workspace, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("workspace: read root: %w", err)
	}

	var out []*Workspace
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ws, err := d.Get(entry.Name())
		if err != nil {
			return nil, err
		}
		if ws != nil {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
