package registry_test

import (
	"sync"
	"testing"

	"github.com/parley-ai/parley/internal/registry"
)

func TestGetOrCreate(t *testing.T) {
	t.Parallel()

	r := registry.New[int]()

	v, existed := r.GetOrCreate("c1", func() int { return 42 })
	if existed || v != 42 {
		t.Fatalf("first GetOrCreate = (%d, %v), want (42, false)", v, existed)
	}

	v, existed = r.GetOrCreate("c1", func() int { return 99 })
	if !existed || v != 42 {
		t.Fatalf("second GetOrCreate = (%d, %v), want (42, true)", v, existed)
	}

	if n := r.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	r := registry.New[string]()
	r.Put("c1", "state")

	v, ok := r.Remove("c1")
	if !ok || v != "state" {
		t.Fatalf("Remove = (%q, %v), want (state, true)", v, ok)
	}
	if _, ok := r.Remove("c1"); ok {
		t.Error("second Remove should report false")
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("entry should be gone")
	}
}

func TestForEachAllowsReentry(t *testing.T) {
	t.Parallel()

	r := registry.New[int]()
	r.Put("a", 1)
	r.Put("b", 2)

	seen := make(map[string]int)
	r.ForEach(func(id string, v int) {
		seen[id] = v
		// Mutating during iteration must not deadlock.
		r.Remove(id)
	})

	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Errorf("seen = %v", seen)
	}
	if n := r.Len(); n != 0 {
		t.Errorf("Len after removal = %d, want 0", n)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := registry.New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetOrCreate("shared", func() int { return 7 })
			r.Get("shared")
		}()
	}
	wg.Wait()

	if v, ok := r.Get("shared"); !ok || v != 7 {
		t.Errorf("Get = (%d, %v), want (7, true)", v, ok)
	}
}
