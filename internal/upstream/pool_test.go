package upstream

import (
	"testing"
	"time"

	"github.com/browserfarm/orchestrator/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func TestPool_EnableDisable(t *testing.T) {
	p, err := NewPool([]config.ContainerConfig{
		{ID: "c1", BaseURL: "http://c1:8000"},
		{ID: "c2", BaseURL: "http://c2:8000", Enabled: boolPtr(false)},
		{ID: "c3", BaseURL: "http://c3:8000", Enabled: boolPtr(true)},
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	got := p.ListEnabled()
	if len(got) != 2 || got[0] != "c1" || got[1] != "c3" {
		t.Fatalf("enabled set unexpected: %v", got)
	}
	if p.IsEnabled("c2") {
		t.Fatalf("c2 starts disabled")
	}

	if err := p.Enable("c2"); err != nil {
		t.Fatalf("enable c2: %v", err)
	}
	if !p.IsEnabled("c2") {
		t.Fatalf("c2 must be enabled now")
	}
	if err := p.Enable("nope"); err == nil {
		t.Fatalf("enabling an unknown container must error")
	}

	p.Disable("c1")
	if p.IsEnabled("c1") {
		t.Fatalf("c1 must be disabled")
	}
	p.Disable("nope") // no-op

	if ids := p.IDs(); len(ids) != 3 || ids[0] != "c1" || ids[2] != "c3" {
		t.Fatalf("ids unexpected: %v", ids)
	}
}

func TestPool_GetReturnsDisabled(t *testing.T) {
	p, err := NewPool([]config.ContainerConfig{
		{ID: "c1", BaseURL: "http://c1:8000/", Enabled: boolPtr(false)},
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	c, err := p.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.BaseURL() != "http://c1:8000" {
		t.Fatalf("base url must be normalized: %q", c.BaseURL())
	}
	if c.ContainerID() != "c1" {
		t.Fatalf("container id: %q", c.ContainerID())
	}
	if _, err := p.Get("nope"); err == nil {
		t.Fatalf("unknown id must error")
	}
}

func TestPool_Validation(t *testing.T) {
	if _, err := NewPool([]config.ContainerConfig{{BaseURL: "http://x"}}, nil); err == nil {
		t.Fatalf("missing id must error")
	}
	if _, err := NewPool([]config.ContainerConfig{{ID: "c1"}}, nil); err == nil {
		t.Fatalf("missing base_url must error")
	}
}

func TestSecondsOrDefault(t *testing.T) {
	if d := secondsOrDefault(0, 10*time.Second); d != 10*time.Second {
		t.Fatalf("zero must use default, got %v", d)
	}
	if d := secondsOrDefault(1.5, 10*time.Second); d != 1500*time.Millisecond {
		t.Fatalf("fractional seconds unexpected: %v", d)
	}
}
