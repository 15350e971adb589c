// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package prison

import (
	"math/rand"
	"sync"
	"testing"
)

func TestNBuckets(t *testing.T) {
	cases := []struct {
		nrCells int
		want    int
	}{
		{0, 128},
		{100, 128},
		{1000, 256},
		{100000, 8192},
		{1 << 30, 8192},
	}
	for _, c := range cases {
		if got := NBuckets(c.nrCells); got != c.want {
			t.Errorf("NBuckets(%d) = %d, want %d", c.nrCells, got, c.want)
		}
	}
}

func TestDetainFirstIsNotPrior(t *testing.T) {
	p := New(128)
	key := Key{Scope: ScopeVirtual, ThinID: 1, Block: 5}
	_, prior := p.Detain(key, "io1")
	if prior != 0 {
		t.Fatalf("first detain should have prior=0, got %d", prior)
	}
}

func TestDoubleDetainCoalesces(t *testing.T) {
	p := New(128)
	key := Key{Scope: ScopeVirtual, ThinID: 1, Block: 5}
	cell, prior := p.Detain(key, "io1")
	if prior != 0 {
		t.Fatalf("prior = %d, want 0", prior)
	}
	cell2, prior2 := p.Detain(key, "io2")
	if prior2 != 1 {
		t.Fatalf("prior2 = %d, want 1", prior2)
	}
	if cell != cell2 {
		t.Fatalf("expected the same cell for the same key")
	}
	items := p.Release(cell)
	if len(items) != 2 || items[0] != "io1" || items[1] != "io2" {
		t.Fatalf("unexpected queue contents: %v", items)
	}
}

func TestReleaseSingleton(t *testing.T) {
	p := New(128)
	key := Key{Scope: ScopeData, ThinID: 2, Block: 9}
	cell, prior := p.Detain(key, "only")
	if prior != 0 {
		t.Fatalf("prior = %d, want 0", prior)
	}
	p.ReleaseSingleton(cell, "only")

	// key must be free again afterwards
	_, prior = p.Detain(key, "fresh")
	if prior != 0 {
		t.Fatalf("key should be free after release, prior = %d", prior)
	}
}

func TestReleaseSingletonPanicsOnExtraEntries(t *testing.T) {
	p := New(128)
	key := Key{Scope: ScopeVirtual, ThinID: 1, Block: 1}
	cell, _ := p.Detain(key, "a")
	p.Detain(key, "b")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on release_singleton with extra entries")
		}
	}()
	p.ReleaseSingleton(cell, "a")
}

func TestFailDeliversErrorToEveryDetainee(t *testing.T) {
	p := New(128)
	key := Key{Scope: ScopeVirtual, ThinID: 3, Block: 1}
	cell, _ := p.Detain(key, "a")
	p.Detain(key, "b")
	p.Detain(key, "c")

	var failed []any
	wantErr := errTest
	p.Fail(cell, wantErr, func(io any, err error) {
		if err != wantErr {
			t.Errorf("unexpected error for %v: %v", io, err)
		}
		failed = append(failed, io)
	})
	if len(failed) != 3 {
		t.Fatalf("expected 3 failed entries, got %d", len(failed))
	}
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

// TestInvariantMutualExclusionByKey is a randomized stress test of
// invariant 1 (spec.md §8): at every instant, the set of keys with a
// live cell matches the set of keys with nonzero detained count. We
// approximate "at every instant" by serializing a random interleaving
// of Detain/Release calls across many keys and goroutines and
// asserting per-key accounting never goes negative or detects two
// live cells for the same key (which Detain's coalescing behavior
// would make impossible without a bug).
func TestInvariantMutualExclusionByKey(t *testing.T) {
	p := New(128)
	const nKeys = 8
	const nWorkers = 16
	const opsPerWorker = 200

	rng := rand.New(rand.NewSource(1))
	keys := make([]Key, nKeys)
	for i := range keys {
		keys[i] = Key{Scope: ScopeVirtual, ThinID: 1, Block: uint64(i)}
	}

	// owners[k] counts goroutines currently holding a cell for keys[k]
	// as its first detainer; more than one means two live cells.
	var ownersMu sync.Mutex
	owners := make([]int, nKeys)

	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		seed := rng.Int63()
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < opsPerWorker; i++ {
				k := r.Intn(nKeys)
				key := keys[k]
				cell, prior := p.Detain(key, i)
				if prior == 0 {
					ownersMu.Lock()
					owners[k]++
					if owners[k] != 1 {
						t.Errorf("key %v has %d live first detainers", key, owners[k])
					}
					ownersMu.Unlock()
					ownersMu.Lock()
					owners[k]--
					ownersMu.Unlock()
					// we are the first detainer; release promptly
					// so the key cycles through free/busy states.
					p.Release(cell)
				}
				// if prior > 0, some other goroutine owns the
				// release; we simply leave our entry queued,
				// matching a real detainee waiting for the
				// first handler to finish.
			}
		}(seed)
	}
	wg.Wait()
}
