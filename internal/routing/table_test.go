package routing

import (
	"sync"
	"testing"
)

type fakeReg struct{ id int }

func TestRegisterLookup(t *testing.T) {
	t.Parallel()
	tbl := NewTable[*fakeReg]()
	a := &fakeReg{1}

	if _, had := tbl.Register("tok", a); had {
		t.Fatal("fresh register should not displace")
	}
	got, ok := tbl.Lookup("tok")
	if !ok || got != a {
		t.Fatalf("lookup = %v, %v; want a, true", got, ok)
	}
	if _, ok := tbl.Lookup("other"); ok {
		t.Fatal("lookup of unknown token should miss")
	}
}

func TestRegisterDisplacesPrior(t *testing.T) {
	t.Parallel()
	tbl := NewTable[*fakeReg]()
	a, b := &fakeReg{1}, &fakeReg{2}

	tbl.Register("tok", a)
	displaced, had := tbl.Register("tok", b)
	if !had || displaced != a {
		t.Fatalf("displaced = %v, %v; want a, true", displaced, had)
	}
	got, _ := tbl.Lookup("tok")
	if got != b {
		t.Fatal("newest registration must own the token")
	}
}

func TestUnregisterConditional(t *testing.T) {
	t.Parallel()
	tbl := NewTable[*fakeReg]()
	a, b := &fakeReg{1}, &fakeReg{2}

	tbl.Register("tok", a)
	tbl.Register("tok", b)

	// a was displaced; its late unregister must not remove b.
	if tbl.Unregister("tok", a) {
		t.Fatal("unregister with stale handle must fail")
	}
	if got, ok := tbl.Lookup("tok"); !ok || got != b {
		t.Fatal("b must survive a's stale unregister")
	}

	if !tbl.Unregister("tok", b) {
		t.Fatal("unregister with current handle must succeed")
	}
	// Idempotent.
	if tbl.Unregister("tok", b) {
		t.Fatal("second unregister must be a no-op")
	}
	if _, ok := tbl.Lookup("tok"); ok {
		t.Fatal("token must be gone after unregister")
	}
}

func TestConcurrentRegisterSingleSurvivor(t *testing.T) {
	t.Parallel()
	tbl := NewTable[*fakeReg]()

	const n = 64
	regs := make([]*fakeReg, n)
	for i := range regs {
		regs[i] = &fakeReg{i}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	displaced := make(map[*fakeReg]bool)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(r *fakeReg) {
			defer wg.Done()
			if prior, had := tbl.Register("tok", r); had {
				mu.Lock()
				displaced[prior] = true
				mu.Unlock()
			}
		}(regs[i])
	}
	wg.Wait()

	// Exactly one registration survives; every other one was returned as a
	// displaced prior exactly once.
	winner, ok := tbl.Lookup("tok")
	if !ok {
		t.Fatal("a winner must hold the token")
	}
	if displaced[winner] {
		t.Fatal("the surviving handle must never have been displaced")
	}
	if len(displaced) != n-1 {
		t.Fatalf("displaced count = %d, want %d", len(displaced), n-1)
	}
	if tbl.Len() != 1 {
		t.Fatalf("table size = %d, want 1", tbl.Len())
	}
}

func TestRange(t *testing.T) {
	t.Parallel()
	tbl := NewTable[*fakeReg]()
	tbl.Register("a", &fakeReg{1})
	tbl.Register("b", &fakeReg{2})

	seen := map[string]bool{}
	tbl.Range(func(token string, _ *fakeReg) bool {
		seen[token] = true
		return true
	})
	if !seen["a"] || !seen["b"] || len(seen) != 2 {
		t.Fatalf("range saw %v, want a and b", seen)
	}
}
