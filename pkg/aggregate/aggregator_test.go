package aggregate

import (
	"errors"
	"sync"
	"testing"

	"pssync/pkg/pserrors"
	"pssync/pkg/types"
)

var group = []types.NodeID{"s0", "s1", "s2"}

func TestSuccessRequiresAllMembers(t *testing.T) {
	a := New()
	if err := a.Add(1, group); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	a.Insert(1, "s0")
	if a.Success(1) {
		t.Fatal("success with one of three acks")
	}
	a.Insert(1, "s1")
	if a.Success(1) {
		t.Fatal("success with two of three acks")
	}
	a.Insert(1, "s2")
	if !a.Success(1) {
		t.Fatal("no success after all three acks")
	}
}

func TestSuccessIsPermutationInvariant(t *testing.T) {
	orders := [][]types.NodeID{
		{"s0", "s1", "s2"},
		{"s2", "s1", "s0"},
		{"s1", "s2", "s0"},
	}
	for _, order := range orders {
		a := New()
		if err := a.Add(1, group); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		for i, id := range order {
			if a.Success(1) {
				t.Fatalf("order %v: success after %d acks", order, i)
			}
			a.Insert(1, id)
		}
		if !a.Success(1) {
			t.Fatalf("order %v: no success after all acks", order)
		}
	}
}

func TestDuplicateAcksAreIdempotent(t *testing.T) {
	a := New()
	if err := a.Add(1, group); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	a.Insert(1, "s0")
	a.Insert(1, "s0")
	a.Insert(1, "s0")
	if a.Success(1) {
		t.Fatal("repeated acks from one member counted as quorum")
	}
}

func TestLateAndForeignRepliesAreDropped(t *testing.T) {
	a := New()
	if err := a.Add(1, group); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Never-issued time.
	a.Insert(42, "s0")
	if a.Success(42) {
		t.Fatal("success for a never-issued time")
	}

	// Sender outside the targeted group.
	a.Insert(1, "stranger")
	if a.Success(1) {
		t.Fatal("foreign ack affected quorum")
	}

	// Already-deleted time; other times stay intact.
	a.Insert(1, "s0")
	a.Delete(1)
	a.Insert(1, "s1")
	if a.Success(1) {
		t.Fatal("success after delete")
	}
}

func TestAddDuplicateTime(t *testing.T) {
	a := New()
	if err := a.Add(1, group); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := a.Add(1, group); !errors.Is(err, pserrors.ErrDuplicateTime) {
		t.Fatalf("second Add = %v, want ErrDuplicateTime", err)
	}
}

func TestConcurrentInsertsAcrossTimes(t *testing.T) {
	a := New()
	const times = 50
	for i := 1; i <= times; i++ {
		if err := a.Add(types.Timestamp(i), group); err != nil {
			t.Fatalf("Add(%d) failed: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range group {
		wg.Add(1)
		go func(id types.NodeID) {
			defer wg.Done()
			for i := 1; i <= times; i++ {
				a.Insert(types.Timestamp(i), id)
			}
		}(id)
	}
	wg.Wait()

	for i := 1; i <= times; i++ {
		if !a.Success(types.Timestamp(i)) {
			t.Fatalf("time %d not complete after all acks", i)
		}
	}
}
