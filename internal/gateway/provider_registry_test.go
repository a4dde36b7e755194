package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/ocx/agentkernel/internal/lifecycle"
)

type fakeAdapter struct {
	name     string
	models   []string
	priority int
	invoked  int
}

func (f *fakeAdapter) Name() string     { return f.name }
func (f *fakeAdapter) Models() []string { return f.models }
func (f *fakeAdapter) Priority() int    { return f.priority }
func (f *fakeAdapter) CanHandle(model string) bool {
	for _, m := range f.models {
		if m == model || strings.HasPrefix(model, m+"-") {
			return true
		}
	}
	return false
}
func (f *fakeAdapter) Invoke(_ context.Context, _ string, task lifecycle.Task) (lifecycle.Result, error) {
	f.invoked++
	return lifecycle.Result{Output: map[string]interface{}{"handled_by": f.name}}, nil
}

func TestResolvePicksLowestPriorityMatchingAdapter(t *testing.T) {
	r := NewProviderRegistry()
	low := &fakeAdapter{name: "primary", models: []string{"gpt-4"}, priority: 1}
	high := &fakeAdapter{name: "fallback", models: []string{"gpt-4"}, priority: 10}
	if err := r.Register(high); err != nil {
		t.Fatalf("register high: %v", err)
	}
	if err := r.Register(low); err != nil {
		t.Fatalf("register low: %v", err)
	}

	adapter, ok := r.Resolve("gpt-4")
	if !ok {
		t.Fatal("expected a matching adapter")
	}
	if adapter.Name() != "primary" {
		t.Fatalf("expected lowest-priority adapter to win, got %s", adapter.Name())
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewProviderRegistry()
	a := &fakeAdapter{name: "dup", models: []string{"m1"}}
	if err := r.Register(a); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(a); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestBuildHandlerInvokesResolvedAdapter(t *testing.T) {
	r := NewProviderRegistry()
	a := &fakeAdapter{name: "primary", models: []string{"gpt-4"}}
	if err := r.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	handler := r.BuildHandler("gpt-4")
	result, err := handler(context.Background(), "agent-1", lifecycle.Task{ID: "t1"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.Output["handled_by"] != "primary" {
		t.Fatalf("unexpected result: %+v", result.Output)
	}
	if a.invoked != 1 {
		t.Fatalf("expected adapter invoked once, got %d", a.invoked)
	}
}

func TestBuildHandlerReturnsErrorWhenNoAdapterMatches(t *testing.T) {
	r := NewProviderRegistry()
	handler := r.BuildHandler("unknown-model")
	if _, err := handler(context.Background(), "agent-1", lifecycle.Task{}); err == nil {
		t.Fatal("expected error when no adapter can serve the model")
	}
}
