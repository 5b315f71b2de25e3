package taskmq

import (
	"context"
	"errors"
	"testing"

	"github.com/edgar-durand/cloud-taskmq-go/store"
)

func noopHandler(name string, hit *string) Handler {
	return func(ctx context.Context, hc *HandlerContext) (any, error) {
		*hit = name
		return nil, nil
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewHandlerRegistry()

	err := r.Register(Registration{Handler: func(ctx context.Context, hc *HandlerContext) (any, error) { return nil, nil }})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Missing queue must be rejected, got %v", err)
	}

	err = r.Register(Registration{Queue: "q"})
	if !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Missing handler must be rejected, got %v", err)
	}
}

func TestRegistryDispatchRule(t *testing.T) {
	r := NewHandlerRegistry()
	var hit string

	r.Register(Registration{Queue: "q", TaskName: "a", Handler: noopHandler("named-a", &hit)})
	r.Register(Registration{Queue: "q", Handler: noopHandler("unnamed", &hit)})
	r.Register(Registration{Queue: "q", TaskName: "b", Handler: noopHandler("named-b", &hit)})

	cases := []struct {
		taskName string
		want     string
	}{
		{"a", "named-a"},
		{"b", "named-b"},
		// No name match falls back to the first unnamed handler.
		{"c", "unnamed"},
		{"", "unnamed"},
	}
	for _, c := range cases {
		h, ok := r.Resolve("q", c.taskName)
		if !ok {
			t.Fatalf("Resolve(%q) found nothing", c.taskName)
		}
		h(context.Background(), nil)
		if hit != c.want {
			t.Errorf("Resolve(%q): expected %s, got %s", c.taskName, c.want, hit)
		}
	}
}

func TestRegistryFallsBackToFirstRegistered(t *testing.T) {
	r := NewHandlerRegistry()
	var hit string

	// Only named handlers: an unmatched name falls back to the first one
	// in registration order.
	r.Register(Registration{Queue: "q", TaskName: "a", Handler: noopHandler("first", &hit)})
	r.Register(Registration{Queue: "q", TaskName: "b", Handler: noopHandler("second", &hit)})

	h, ok := r.Resolve("q", "zzz")
	if !ok {
		t.Fatal("Resolve found nothing")
	}
	h(context.Background(), nil)
	if hit != "first" {
		t.Errorf("Expected first registered handler, got %s", hit)
	}
}

func TestRegistryUnknownQueue(t *testing.T) {
	r := NewHandlerRegistry()
	if _, ok := r.Resolve("ghost", ""); ok {
		t.Error("Unknown queue must not resolve")
	}
}

func TestRegistryHooksAccumulate(t *testing.T) {
	r := NewHandlerRegistry()
	h := func(ctx context.Context, hc *HandlerContext) (any, error) { return nil, nil }

	r.Register(Registration{Queue: "q", Handler: h, Hooks: &LifecycleHooks{}})
	r.Register(Registration{Queue: "q", Handler: h, Hooks: &LifecycleHooks{}})
	r.Register(Registration{Queue: "q", Handler: h})

	if got := len(r.Hooks("q")); got != 2 {
		t.Errorf("Expected 2 hook sets, got %d", got)
	}
}
