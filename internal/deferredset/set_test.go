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

package deferredset

import (
	"math/rand"
	"testing"
)

func TestAddWorkNotDeferredWhenNoReadsAdmitted(t *testing.T) {
	s := New()
	if deferred := s.AddWork("item"); deferred {
		t.Fatalf("expected not deferred when no reads are in flight")
	}
}

func TestAddWorkDeferredUntilReadsDrain(t *testing.T) {
	s := New()
	h := s.Inc()
	if deferred := s.AddWork("item"); !deferred {
		t.Fatalf("expected deferral while a read is admitted")
	}
	var out []any
	s.Dec(h, &out)
	if len(out) != 1 || out[0] != "item" {
		t.Fatalf("expected item to drain after Dec, got %v", out)
	}
}

func TestMultipleReadsMustAllDrain(t *testing.T) {
	s := New()
	h1 := s.Inc()
	h2 := s.Inc()
	if deferred := s.AddWork("item"); !deferred {
		t.Fatalf("expected deferral")
	}
	var out []any
	s.Dec(h1, &out)
	if len(out) != 0 {
		t.Fatalf("item should not drain until both reads finish, got %v", out)
	}
	s.Dec(h2, &out)
	if len(out) != 1 {
		t.Fatalf("item should drain once both reads finish, got %v", out)
	}
}

func TestLaterEpochDoesNotBlockEarlierWork(t *testing.T) {
	s := New()
	h1 := s.Inc()
	deferred := s.AddWork("early")
	if !deferred {
		t.Fatalf("expected deferral")
	}
	// AddWork should have advanced current to a fresh, zero-count
	// slot, so a subsequent read admitted now lands in a different
	// epoch than "early" and does not gate it.
	h2 := s.Inc()

	var out []any
	s.Dec(h1, &out)
	if len(out) != 1 || out[0] != "early" {
		t.Fatalf("expected early work to drain as soon as h1 (its own epoch) finishes, got %v", out)
	}

	// h2's read is unrelated and can finish independently.
	var out2 []any
	s.Dec(h2, &out2)
	if len(out2) != 0 {
		t.Fatalf("unexpected drain for unrelated epoch: %v", out2)
	}
}

// TestInvariantDeferredDrain is a randomized check of invariant 4
// (spec.md §8): every item posted via AddWork is eventually drained
// once all reads admitted up to that point have called Dec. An item
// AddWork reports as not deferred is never queued, so it counts as
// drained at once.
func TestInvariantDeferredDrain(t *testing.T) {
	s := New()
	rng := rand.New(rand.NewSource(42))

	var live []Handle
	var drained []any
	posted := 0

	for step := 0; step < 5000; step++ {
		switch rng.Intn(3) {
		case 0:
			live = append(live, s.Inc())
		case 1:
			if len(live) == 0 {
				continue
			}
			idx := rng.Intn(len(live))
			h := live[idx]
			live = append(live[:idx], live[idx+1:]...)
			s.Dec(h, &drained)
		case 2:
			posted++
			if !s.AddWork(posted) {
				drained = append(drained, posted)
			}
		}
	}
	// drain everything outstanding
	for _, h := range live {
		s.Dec(h, &drained)
	}
	if len(drained) != posted {
		t.Fatalf("expected all %d posted items to drain, got %d", posted, len(drained))
	}
}
