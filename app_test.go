package main

import (
	"reflect"
	"testing"

	"webmux/internal/wsserver"
)

func TestSetEnvReplacesExisting(t *testing.T) {
	env := []string{"PATH=/usr/bin", "EDITOR=vi", "TERM=xterm"}
	got := setEnv(env, "EDITOR", "nvim")
	want := []string{"PATH=/usr/bin", "EDITOR=nvim", "TERM=xterm"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("setEnv = %v, want %v", got, want)
	}
}

func TestSetEnvAppendsMissing(t *testing.T) {
	got := setEnv([]string{"PATH=/usr/bin"}, "LANG", "C.UTF-8")
	if len(got) != 2 || got[1] != "LANG=C.UTF-8" {
		t.Fatalf("setEnv = %v", got)
	}
}

func TestSetEnvExactKeyMatch(t *testing.T) {
	// EDITOR must not match EDITOR_FALLBACK.
	got := setEnv([]string{"EDITOR_FALLBACK=nano"}, "EDITOR", "vi")
	if len(got) != 2 || got[0] != "EDITOR_FALLBACK=nano" || got[1] != "EDITOR=vi" {
		t.Fatalf("setEnv = %v", got)
	}
}

func TestLoginArgs(t *testing.T) {
	if args := loginArgs("zsh"); len(args) != 1 || args[0] != "-l" {
		t.Fatalf("loginArgs(zsh) = %v, want [-l]", args)
	}
	if args := loginArgs("pwsh"); args != nil {
		t.Fatalf("loginArgs(pwsh) = %v, want nil", args)
	}
}

type recordingHandler struct {
	connects    []string
	messages    []string
	disconnects []string
}

func (r *recordingHandler) HandleConnect(id string) { r.connects = append(r.connects, id) }
func (r *recordingHandler) HandleMessage(id string, msg wsserver.Message) {
	r.messages = append(r.messages, id+":"+msg.Event)
}
func (r *recordingHandler) HandleDisconnect(id string) { r.disconnects = append(r.disconnects, id) }

func TestDeferredHandlerForwardsAfterSet(t *testing.T) {
	d := &deferredHandler{}

	// Before set: no panic, events dropped.
	d.HandleConnect("s1")
	d.HandleMessage("s1", wsserver.Message{Event: "create-terminal"})
	d.HandleDisconnect("s1")

	rec := &recordingHandler{}
	d.set(rec)

	d.HandleConnect("s2")
	d.HandleMessage("s2", wsserver.Message{Event: "terminal-input"})
	d.HandleDisconnect("s2")

	if len(rec.connects) != 1 || rec.connects[0] != "s2" {
		t.Fatalf("connects = %v", rec.connects)
	}
	if len(rec.messages) != 1 || rec.messages[0] != "s2:terminal-input" {
		t.Fatalf("messages = %v", rec.messages)
	}
	if len(rec.disconnects) != 1 || rec.disconnects[0] != "s2" {
		t.Fatalf("disconnects = %v", rec.disconnects)
	}
}
