package layout

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"webmux/internal/store"
)

// Store is the persistence capability the engine needs.
type Store interface {
	CreateLayout(*store.Layout) error
	SaveLayout(*store.Layout) error
	GetLayout(id string) (*store.Layout, error)
	GetDefaultLayout(workspaceID string) (*store.Layout, error)
	DeleteWorkspaceLayouts(workspaceID string) (int64, error)
}

// Engine owns pane/tab topology per workspace. All mutations load the
// row, rewrite the configuration blob, and save; there is no in-memory
// layout cache beyond the store's.
type Engine struct {
	store Store
	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine over the given store.
func NewEngine(s Store) *Engine {
	return &Engine{
		store: s,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// GetDefaultLayout returns the workspace's default layout, lazily
// creating a single-pane one on first request.
func (e *Engine) GetDefaultLayout(workspaceID string) (*store.Layout, error) {
	l, err := e.store.GetDefaultLayout(workspaceID)
	if err == nil {
		return l, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	cfg, err := NewConfiguration(TypeSingle)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	now := e.now()
	l = &store.Layout{
		ID:            e.newID(),
		WorkspaceID:   workspaceID,
		Name:          "default",
		LayoutType:    string(TypeSingle),
		IsDefault:     true,
		Configuration: encoded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateLayout(l); err != nil {
		return nil, err
	}
	slog.Debug("[DEBUG-LAYOUT] created default layout", "workspaceId", workspaceID, "layoutId", l.ID)
	return l, nil
}

// CreateLayout persists an extra named (non-default) layout.
func (e *Engine) CreateLayout(workspaceID, name string, t Type, cfg *Configuration) (*store.Layout, error) {
	if !ValidType(t) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if cfg == nil {
		built, err := NewConfiguration(t)
		if err != nil {
			return nil, err
		}
		cfg = &built
	}
	encoded, err := EncodeConfiguration(*cfg)
	if err != nil {
		return nil, err
	}
	now := e.now()
	l := &store.Layout{
		ID:            e.newID(),
		WorkspaceID:   workspaceID,
		Name:          name,
		LayoutType:    string(t),
		IsDefault:     false,
		Configuration: encoded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateLayout(l); err != nil {
		return nil, err
	}
	return l, nil
}

// mutate loads a layout, applies fn to its configuration, and saves the
// rewritten blob.
func (e *Engine) mutate(layoutID string, fn func(cfg *Configuration) error) (*store.Layout, error) {
	l, err := e.store.GetLayout(layoutID)
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfiguration(l.Configuration)
	if err != nil {
		return nil, err
	}
	if err := fn(&cfg); err != nil {
		return nil, err
	}
	encoded, err := EncodeConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	l.Configuration = encoded
	l.LayoutType = string(cfg.Type)
	l.UpdatedAt = e.now()
	if err := e.store.SaveLayout(l); err != nil {
		return nil, err
	}
	return l, nil
}

// AddSessionToLayout appends a session to the first pane's tabs and
// makes it the active tab. A session lives in at most one pane, so it
// is detached from any other pane first.
func (e *Engine) AddSessionToLayout(layoutID, sessionID string) (*store.Layout, error) {
	return e.mutate(layoutID, func(cfg *Configuration) error {
		if len(cfg.Panes) == 0 {
			return ErrPaneNotFound
		}
		pane := &cfg.Panes[0]
		detachFromOtherPanes(cfg, sessionID, pane.ID)
		if !contains(pane.Tabs, sessionID) {
			pane.Tabs = append(pane.Tabs, sessionID)
		}
		pane.ActiveTabID = sessionID
		pane.Status = PaneStatusActive
		return nil
	})
}

// RemoveSessionFromLayout removes a session from every pane. A pane
// whose active tab was removed falls back to its first remaining tab;
// an emptied pane becomes pending.
func (e *Engine) RemoveSessionFromLayout(layoutID, sessionID string) (*store.Layout, error) {
	return e.mutate(layoutID, func(cfg *Configuration) error {
		for i := range cfg.Panes {
			pane := &cfg.Panes[i]
			if !contains(pane.Tabs, sessionID) {
				continue
			}
			pane.Tabs = removeTab(pane.Tabs, sessionID)
			if pane.ActiveTabID == sessionID {
				pane.ActiveTabID = ""
			}
			normalizePane(pane)
		}
		return nil
	})
}

// SetActivePaneTab sets the active tab of a pane. The session must
// already be one of the pane's tabs.
func (e *Engine) SetActivePaneTab(layoutID, paneID, sessionID string) (*store.Layout, error) {
	return e.mutate(layoutID, func(cfg *Configuration) error {
		pane := cfg.pane(paneID)
		if pane == nil {
			return fmt.Errorf("%w: %q", ErrPaneNotFound, paneID)
		}
		if !contains(pane.Tabs, sessionID) {
			return fmt.Errorf("%w: %q in pane %q", ErrSessionNotInPane, sessionID, paneID)
		}
		pane.ActiveTabID = sessionID
		return nil
	})
}

// CreateSplitLayout rewrites the workspace's default layout to the
// given type and distributes sessionIDs round-robin by pane index: pane
// i receives the sessions at positions i, i+N, i+2N, ... where N is the
// pane count.
func (e *Engine) CreateSplitLayout(workspaceID string, t Type, sessionIDs []string) (*store.Layout, error) {
	if !ValidType(t) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	l, err := e.GetDefaultLayout(workspaceID)
	if err != nil {
		return nil, err
	}
	return e.mutate(l.ID, func(cfg *Configuration) error {
		built, err := NewConfiguration(t)
		if err != nil {
			return err
		}
		n := len(built.Panes)
		for idx, sessionID := range sessionIDs {
			pane := &built.Panes[idx%n]
			pane.Tabs = append(pane.Tabs, sessionID)
		}
		for i := range built.Panes {
			normalizePane(&built.Panes[i])
		}
		*cfg = built
		return nil
	})
}

// ConvertToSingle rewrites the default layout to one pane holding all
// sessionIDs in order; the first becomes active.
func (e *Engine) ConvertToSingle(workspaceID string, sessionIDs []string) (*store.Layout, error) {
	l, err := e.GetDefaultLayout(workspaceID)
	if err != nil {
		return nil, err
	}
	return e.mutate(l.ID, func(cfg *Configuration) error {
		built, err := NewConfiguration(TypeSingle)
		if err != nil {
			return err
		}
		built.Panes[0].Tabs = append(built.Panes[0].Tabs, sessionIDs...)
		normalizePane(&built.Panes[0])
		*cfg = built
		return nil
	})
}

// MoveTabBetweenPanes moves a session from one pane to another,
// inserting at targetIndex (or the end when targetIndex is negative or
// out of range). The moved session becomes the target pane's active tab.
func (e *Engine) MoveTabBetweenPanes(layoutID, sessionID, sourcePaneID, targetPaneID string, targetIndex int) (*store.Layout, error) {
	return e.mutate(layoutID, func(cfg *Configuration) error {
		source := cfg.pane(sourcePaneID)
		if source == nil {
			return fmt.Errorf("%w: %q", ErrPaneNotFound, sourcePaneID)
		}
		target := cfg.pane(targetPaneID)
		if target == nil {
			return fmt.Errorf("%w: %q", ErrPaneNotFound, targetPaneID)
		}
		if !contains(source.Tabs, sessionID) {
			return fmt.Errorf("%w: %q in pane %q", ErrSessionNotInPane, sessionID, sourcePaneID)
		}

		source.Tabs = removeTab(source.Tabs, sessionID)
		if source.ActiveTabID == sessionID {
			source.ActiveTabID = ""
		}
		normalizePane(source)

		if targetIndex < 0 || targetIndex > len(target.Tabs) {
			targetIndex = len(target.Tabs)
		}
		target.Tabs = append(target.Tabs[:targetIndex], append([]string{sessionID}, target.Tabs[targetIndex:]...)...)
		target.ActiveTabID = sessionID
		target.Status = PaneStatusActive
		return nil
	})
}

// AddTabToPane appends a session to a pane's tabs, optionally making it
// active. A session already living in another pane is moved, not
// duplicated.
func (e *Engine) AddTabToPane(layoutID, paneID, sessionID string, setActive bool) (*store.Layout, error) {
	return e.mutate(layoutID, func(cfg *Configuration) error {
		pane := cfg.pane(paneID)
		if pane == nil {
			return fmt.Errorf("%w: %q", ErrPaneNotFound, paneID)
		}
		detachFromOtherPanes(cfg, sessionID, paneID)
		if !contains(pane.Tabs, sessionID) {
			pane.Tabs = append(pane.Tabs, sessionID)
		}
		if setActive {
			pane.ActiveTabID = sessionID
		}
		normalizePane(pane)
		return nil
	})
}

// RemoveTabFromPane removes a session from one pane's tabs.
func (e *Engine) RemoveTabFromPane(layoutID, paneID, sessionID string) (*store.Layout, error) {
	return e.mutate(layoutID, func(cfg *Configuration) error {
		pane := cfg.pane(paneID)
		if pane == nil {
			return fmt.Errorf("%w: %q", ErrPaneNotFound, paneID)
		}
		pane.Tabs = removeTab(pane.Tabs, sessionID)
		if pane.ActiveTabID == sessionID {
			pane.ActiveTabID = ""
		}
		normalizePane(pane)
		return nil
	})
}

// detachFromOtherPanes removes a session from every pane except
// keepPaneID. Every mutation that places a session in a pane runs this
// first, so a session appears in at most one pane.
func detachFromOtherPanes(cfg *Configuration, sessionID, keepPaneID string) {
	for i := range cfg.Panes {
		pane := &cfg.Panes[i]
		if pane.ID == keepPaneID || !contains(pane.Tabs, sessionID) {
			continue
		}
		pane.Tabs = removeTab(pane.Tabs, sessionID)
		if pane.ActiveTabID == sessionID {
			pane.ActiveTabID = ""
		}
		normalizePane(pane)
	}
}

// CleanupWorkspaceLayouts deletes all layouts of a workspace.
// Best-effort: failures are logged and swallowed.
func (e *Engine) CleanupWorkspaceLayouts(workspaceID string) {
	n, err := e.store.DeleteWorkspaceLayouts(workspaceID)
	if err != nil {
		slog.Warn("[WARN-LAYOUT] failed to delete workspace layouts", "workspaceId", workspaceID, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("[DEBUG-LAYOUT] deleted workspace layouts", "workspaceId", workspaceID, "count", n)
	}
}
