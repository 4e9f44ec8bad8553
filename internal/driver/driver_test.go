package driver

import (
	"testing"

	"github.com/medialoop/asyncdb/internal/dbres"
)

func TestRegistryResolveUnknownIsConfigError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nope")
	if err == nil {
		t.Fatal("expected error for unknown driver name")
	}
	if dbres.KindOf(err) != dbres.Config {
		t.Fatalf("expected Config error kind, got %v", dbres.KindOf(err))
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("mock", func() Driver {
		called = true
		return nil
	})
	f, err := r.Resolve("mock")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f()
	if !called {
		t.Fatal("expected factory to be invoked")
	}
}

func TestRegistryReRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	which := 0
	r.Register("x", func() Driver { which = 1; return nil })
	second := func() Driver { which = 2; return nil }
	r.Register("x", second)
	f, _ := r.Resolve("x")
	if f == nil {
		t.Fatal("expected a factory")
	}
	f()
	if which != 2 {
		t.Fatalf("expected the second factory to be resolved, got factory %d", which)
	}
}
