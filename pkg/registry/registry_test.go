package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()

	for _, d := range []Deployment{
		{ID: "d2", Model: "gpt-4", Provider: "openai"},
		{ID: "d1", Model: "gpt-4", Provider: "openai"},
		{ID: "d3", Model: "claude", Provider: "openai"},
	} {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%s) error: %v", d.ID, err)
		}
	}

	deps := r.DeploymentsFor("gpt-4")
	if len(deps) != 2 {
		t.Fatalf("DeploymentsFor(gpt-4) returned %d deployments, want 2", len(deps))
	}
	// Sorted by ID for deterministic tie-breaking downstream.
	if deps[0].ID != "d1" || deps[1].ID != "d2" {
		t.Errorf("deployments not sorted by ID: %s, %s", deps[0].ID, deps[1].ID)
	}

	if got := r.Get("d3"); got == nil || got.Model != "claude" {
		t.Errorf("Get(d3) = %+v", got)
	}
	if got := r.Get("nope"); got != nil {
		t.Errorf("Get(nope) = %+v, want nil", got)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := New()
	if err := r.Register(Deployment{ID: "d1", Model: "gpt-4"}); err != nil {
		t.Fatal(err)
	}

	err := r.Register(Deployment{ID: "d1", Model: "claude"})
	var dup *DuplicateDeploymentError
	if !errors.As(err, &dup) {
		t.Fatalf("second Register error = %v, want DuplicateDeploymentError", err)
	}
	if dup.ID != "d1" {
		t.Errorf("duplicate ID = %q, want d1", dup.ID)
	}
}

func TestUnknownModelReturnsEmpty(t *testing.T) {
	r := New()
	deps := r.DeploymentsFor("no-such-model")
	if deps == nil || len(deps) != 0 {
		t.Errorf("DeploymentsFor(unknown) = %v, want empty non-nil slice", deps)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(Deployment{ID: "d1", Model: "gpt-4"}); err != nil {
		t.Fatal(err)
	}

	r.Remove("d1")
	r.Remove("d1") // second removal is a no-op
	r.Remove("never-existed")

	if r.Len() != 0 {
		t.Errorf("Len() = %d after removal, want 0", r.Len())
	}
	if len(r.DeploymentsFor("gpt-4")) != 0 {
		t.Error("removed deployment still listed for its model")
	}
	if len(r.Models()) != 0 {
		t.Errorf("Models() = %v, want empty", r.Models())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	if err := r.Register(Deployment{ID: "d1", Model: "gpt-4"}); err != nil {
		t.Fatal(err)
	}

	before := r.DeploymentsFor("gpt-4")
	r.Remove("d1")

	// The slice handed out before the write still sees the old state.
	if len(before) != 1 || before[0].ID != "d1" {
		t.Errorf("earlier snapshot mutated by Remove: %v", before)
	}
}

func TestReplaceAll(t *testing.T) {
	r := New()
	if err := r.Register(Deployment{ID: "old", Model: "gpt-4"}); err != nil {
		t.Fatal(err)
	}

	err := r.ReplaceAll([]Deployment{
		{ID: "n1", Model: "gpt-4", Weight: 2},
		{ID: "n2", Model: "claude"},
	})
	if err != nil {
		t.Fatalf("ReplaceAll error: %v", err)
	}

	if r.Get("old") != nil {
		t.Error("old deployment survived ReplaceAll")
	}
	if got := r.Get("n1"); got == nil || got.Weight != 2 {
		t.Errorf("Get(n1) = %+v", got)
	}
	if models := r.Models(); len(models) != 2 {
		t.Errorf("Models() = %v", models)
	}
}

func TestReplaceAllRejectsDuplicates(t *testing.T) {
	r := New()
	err := r.ReplaceAll([]Deployment{
		{ID: "d1", Model: "gpt-4"},
		{ID: "d1", Model: "claude"},
	})
	var dup *DuplicateDeploymentError
	if !errors.As(err, &dup) {
		t.Fatalf("ReplaceAll error = %v, want DuplicateDeploymentError", err)
	}
}

func TestEffectiveWeightAndBackendModel(t *testing.T) {
	d := &Deployment{ID: "d1", Model: "gpt-4"}
	if d.EffectiveWeight() != 1 {
		t.Errorf("EffectiveWeight() = %d, want 1", d.EffectiveWeight())
	}
	if d.BackendModelName() != "gpt-4" {
		t.Errorf("BackendModelName() = %q, want gpt-4", d.BackendModelName())
	}

	d.Weight = 3
	d.BackendModel = "gpt-4-0613"
	if d.EffectiveWeight() != 3 {
		t.Errorf("EffectiveWeight() = %d, want 3", d.EffectiveWeight())
	}
	if d.BackendModelName() != "gpt-4-0613" {
		t.Errorf("BackendModelName() = %q, want gpt-4-0613", d.BackendModelName())
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-d%d", w, i)
				if err := r.Register(Deployment{ID: id, Model: "gpt-4"}); err != nil {
					t.Errorf("Register(%s): %v", id, err)
					return
				}
				if i%3 == 0 {
					r.Remove(id)
				}
			}
		}(w)
	}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				deps := r.DeploymentsFor("gpt-4")
				for _, d := range deps {
					if d.Model != "gpt-4" {
						t.Error("reader observed inconsistent snapshot")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
