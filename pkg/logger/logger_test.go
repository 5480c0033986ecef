package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestComponentFieldsAreEmittedAsJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Configure("debug", "json")
	t.Cleanup(func() {
		Configure("info", "text")
	})

	InfoCF("dispatch", "Event claimed", map[string]interface{}{"plugin": "example"})

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", line["component"])
	}
	if line["plugin"] != "example" {
		t.Errorf("plugin = %v, want example", line["plugin"])
	}
	if line["msg"] != "Event claimed" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Configure("warn", "text")
	t.Cleanup(func() {
		Configure("info", "text")
	})

	DebugC("bot", "hidden")
	InfoC("bot", "hidden too")
	WarnC("bot", "visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("expected warn line, got %q", out)
	}
}

func TestSinkDefaultsComponent(t *testing.T) {
	var s Sink
	if s.Component() != "plugin" {
		t.Errorf("zero Sink component = %q, want plugin", s.Component())
	}
	if NewSink("topics").Component() != "topics" {
		t.Error("expected named sink")
	}
}
