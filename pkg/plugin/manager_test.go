package plugin

import (
	"context"
	"errors"
	"testing"
)

type fakeStrategyPlugin struct {
	category   Type
	configured map[string]any
	started    int
	stopped    int
	startErr   error
}

func (f *fakeStrategyPlugin) Info() Info {
	category := f.category
	if category == "" {
		category = TypeStrategy
	}
	return Info{
		ID:       "fake-strategy",
		Name:     "Fake strategy",
		Version:  "0.0.1",
		Category: category,
	}
}

func (f *fakeStrategyPlugin) Configure(cfg map[string]any) error {
	f.configured = cfg
	return nil
}

func (f *fakeStrategyPlugin) Init(*ExecutionContext) error { return nil }

func (f *fakeStrategyPlugin) Start(ctx *ExecutionContext) error {
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := ctx.Resources[ResourceStrategyRegister]; !ok {
		return errors.New("register resource missing")
	}
	f.started++
	return nil
}

func (f *fakeStrategyPlugin) Stop(*ExecutionContext) error {
	f.stopped++
	return nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(ManagerConfig{}, WithResource(ResourceStrategyRegister, func() {}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr
}

func TestManagerLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	p := &fakeStrategyPlugin{}

	if err := mgr.Register("fake-strategy", p, map[string]any{"reserve": 5}, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.configured["reserve"] != 5 {
		t.Fatalf("expected configuration to reach plugin, got %v", p.configured)
	}

	ctx := context.Background()
	if err := mgr.StartCategory(ctx, TypeStrategy); err != nil {
		t.Fatalf("start category: %v", err)
	}
	if p.started != 1 {
		t.Fatalf("expected one start, got %d", p.started)
	}
	state, err := mgr.State("fake-strategy")
	if err != nil || state != StateStarted {
		t.Fatalf("unexpected state %s err %v", state, err)
	}

	// Starting an already started plugin is a no-op.
	if err := mgr.Start(ctx, "fake-strategy"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if p.started != 1 {
		t.Fatalf("idempotent start violated: %d", p.started)
	}

	if err := mgr.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if p.stopped != 1 {
		t.Fatalf("expected one stop, got %d", p.stopped)
	}
}

func TestManagerRejectsUnknownCategory(t *testing.T) {
	mgr := newTestManager(t)
	p := &fakeStrategyPlugin{category: Type("datasource")}
	err := mgr.Register("fake-strategy", p, nil, IsolationPolicy{})
	if err == nil {
		t.Fatalf("expected category rejection")
	}
}

func TestManagerByCategory(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.Register("fake-strategy", &fakeStrategyPlugin{}, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ids := mgr.ByCategory(TypeStrategy)
	if len(ids) != 1 || ids[0] != "fake-strategy" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if got := mgr.ByCategory(TypePosture); len(got) != 0 {
		t.Fatalf("expected no posture plugins, got %v", got)
	}
}

func TestManagerCapabilityPolicyRequired(t *testing.T) {
	mgr := newTestManager(t)
	p := &capabilityPlugin{}
	err := mgr.Register("cap-plugin", p, nil, IsolationPolicy{})
	if err == nil {
		t.Fatalf("expected policy requirement error")
	}
	policy := IsolationPolicy{AllowedCapabilities: []Capability{CapabilityExecution}}
	if err := mgr.Register("cap-plugin", p, nil, policy); err != nil {
		t.Fatalf("register with policy: %v", err)
	}
}

type capabilityPlugin struct{ fakeStrategyPlugin }

func (c *capabilityPlugin) Info() Info {
	return Info{
		ID:           "cap-plugin",
		Name:         "Capability plugin",
		Version:      "0.0.1",
		Category:     TypePosture,
		Capabilities: []Capability{CapabilityExecution},
	}
}
