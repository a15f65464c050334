// Package layout arranges a workspace's sessions into panes and tabs.
// One default layout exists per workspace (extra named layouts are
// allowed); the configuration blob is persisted on the layout row and
// rewritten after every mutation.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is a named pane arrangement.
type Type string

const (
	TypeSingle          Type = "single"
	TypeHorizontalSplit Type = "horizontal-split"
	TypeVerticalSplit   Type = "vertical-split"
	TypeThreePane       Type = "three-pane"
	TypeGrid2x2         Type = "grid-2x2"
)

// PaneStatus marks whether a pane has any session tabs.
type PaneStatus string

const (
	PaneStatusPending PaneStatus = "pending"
	PaneStatusActive  PaneStatus = "active"
)

// Pane is one rectangular region: an ordered list of session tabs with
// one active. GridArea is a CSS grid string carried verbatim for the
// frontend; the engine never interprets it.
type Pane struct {
	ID          string     `json:"id"`
	Position    string     `json:"position"`
	GridArea    string     `json:"gridArea"`
	Tabs        []string   `json:"tabs"`
	ActiveTabID string     `json:"activeTabId,omitempty"`
	Status      PaneStatus `json:"status"`
}

// Configuration is the serialized pane/tab blob stored on a layout row.
type Configuration struct {
	Type  Type   `json:"type"`
	Panes []Pane `json:"panes"`
}

var (
	ErrUnknownType      = errors.New("layout: unknown layout type")
	ErrPaneNotFound     = errors.New("layout: pane not found")
	ErrSessionNotInPane = errors.New("layout: session not in pane")
)

// paneTemplate describes one pane slot of a layout type.
type paneTemplate struct {
	position string
	gridArea string
}

var paneTemplates = map[Type][]paneTemplate{
	TypeSingle: {
		{position: "main", gridArea: "1 / 1 / 2 / 2"},
	},
	TypeHorizontalSplit: {
		{position: "left", gridArea: "1 / 1 / 2 / 2"},
		{position: "right", gridArea: "1 / 2 / 2 / 3"},
	},
	TypeVerticalSplit: {
		{position: "top", gridArea: "1 / 1 / 2 / 2"},
		{position: "bottom", gridArea: "2 / 1 / 3 / 2"},
	},
	TypeThreePane: {
		{position: "main", gridArea: "1 / 1 / 3 / 2"},
		{position: "top-right", gridArea: "1 / 2 / 2 / 3"},
		{position: "bottom-right", gridArea: "2 / 2 / 3 / 3"},
	},
	TypeGrid2x2: {
		{position: "top-left", gridArea: "1 / 1 / 2 / 2"},
		{position: "top-right", gridArea: "1 / 2 / 2 / 3"},
		{position: "bottom-left", gridArea: "2 / 1 / 3 / 2"},
		{position: "bottom-right", gridArea: "2 / 2 / 3 / 3"},
	},
}

// ValidType reports whether t names a known layout type.
func ValidType(t Type) bool {
	_, ok := paneTemplates[t]
	return ok
}

// NewConfiguration builds an empty Configuration from the pane templates
// of the given type.
func NewConfiguration(t Type) (Configuration, error) {
	templates, ok := paneTemplates[t]
	if !ok {
		return Configuration{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	cfg := Configuration{Type: t, Panes: make([]Pane, len(templates))}
	for i, tmpl := range templates {
		cfg.Panes[i] = Pane{
			ID:       fmt.Sprintf("pane-%d", i+1),
			Position: tmpl.position,
			GridArea: tmpl.gridArea,
			Tabs:     []string{},
			Status:   PaneStatusPending,
		}
	}
	return cfg, nil
}

// EncodeConfiguration serializes cfg to its stored JSON string.
func EncodeConfiguration(cfg Configuration) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("layout: encode configuration: %w", err)
	}
	return string(raw), nil
}

// DecodeConfiguration parses a stored configuration blob. An empty blob
// decodes to an empty single-pane configuration.
func DecodeConfiguration(raw string) (Configuration, error) {
	if raw == "" {
		return NewConfiguration(TypeSingle)
	}
	var cfg Configuration
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Configuration{}, fmt.Errorf("layout: decode configuration: %w", err)
	}
	return cfg, nil
}

// normalizePane restores the pane invariants after a tab mutation: a
// pane with no tabs is pending with no active tab; a non-empty pane is
// active and its active tab is a member of tabs.
func normalizePane(p *Pane) {
	if len(p.Tabs) == 0 {
		p.Tabs = []string{}
		p.ActiveTabID = ""
		p.Status = PaneStatusPending
		return
	}
	p.Status = PaneStatusActive
	if p.ActiveTabID == "" || !contains(p.Tabs, p.ActiveTabID) {
		p.ActiveTabID = p.Tabs[0]
	}
}

func contains(tabs []string, id string) bool {
	for _, t := range tabs {
		if t == id {
			return true
		}
	}
	return false
}

func removeTab(tabs []string, id string) []string {
	out := tabs[:0]
	for _, t := range tabs {
		if t != id {
			out = append(out, t)
		}
	}
	return out
}

func (c *Configuration) pane(paneID string) *Pane {
	for i := range c.Panes {
		if c.Panes[i].ID == paneID {
			return &c.Panes[i]
		}
	}
	return nil
}
