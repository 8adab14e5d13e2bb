package pagestate_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/pagestate"
)

func TestBitmapTestAndSet(t *testing.T) {
	t.Parallel()

	w, r := pagestate.NewBitmap(128)

	if w.TestAndSet(5) {
		t.Fatal("bit 5 should not have been set yet")
	}

	if !w.TestAndSet(5) {
		t.Fatal("bit 5 should now read as set")
	}

	if !r.Test(5) {
		t.Fatal("reader should observe bit 5")
	}

	if got, want := r.PopCount(), 1; got != want {
		t.Fatalf("PopCount = %d, want %d", got, want)
	}
}

func TestBitmapForEachSet(t *testing.T) {
	t.Parallel()

	w, r := pagestate.NewBitmap(200)
	for _, i := range []uint64{0, 63, 64, 65, 199} {
		w.Set(i)
	}

	var got []uint64

	r.ForEachSet(func(i uint64) { got = append(got, i) })

	want := []uint64{0, 63, 64, 65, 199}
	if len(got) != len(want) {
		t.Fatalf("ForEachSet = %v, want %v", got, want)
	}

	for i, v := range want {
		if got[i] != v {
			t.Fatalf("ForEachSet[%d] = %d, want %d", i, got[i], v)
		}
	}
}

func TestStoreFinished(t *testing.T) {
	t.Parallel()

	b, err := block.New("ram0", 0, 8192, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	set, err := block.NewSet([]*block.Block{b})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	store := pagestate.NewStore(set)

	if store.Finished() {
		t.Fatal("store should not be finished with no pages received")
	}

	bs := store.Get("ram0")
	bs.ReceivedW.Set(0)

	if store.Finished() {
		t.Fatal("store should still not be finished")
	}

	bs.ReceivedW.Set(1)

	if !store.Finished() {
		t.Fatal("store should be finished once every page is received")
	}
}

func TestPendingCleanDrainAndWait(t *testing.T) {
	t.Parallel()

	b, err := block.New("ram0", 0, 4*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	set, err := block.NewSet([]*block.Block{b})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	pc := pagestate.NewPendingClean(set)

	var wg sync.WaitGroup

	wg.Add(1)

	drained := make(chan []uint64, 1)

	go func() {
		defer wg.Done()

		if !pc.Wait() {
			t.Error("Wait should report work is available")

			return
		}

		_, offs, ok := pc.DrainBatch(10)
		if !ok {
			t.Error("DrainBatch should have found pending work")
		}

		drained <- offs
	}()

	time.Sleep(10 * time.Millisecond)
	pc.Mark("ram0", []uint64{1, 3})

	select {
	case offs := <-drained:
		if len(offs) != 2 {
			t.Fatalf("drained %v, want 2 offsets", offs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain")
	}

	wg.Wait()

	if !pc.Empty() {
		t.Fatal("pending clean should be empty after drain")
	}
}

func TestPendingCleanExitWhenEmpty(t *testing.T) {
	t.Parallel()

	b, _ := block.New("ram0", 0, 4096, 4096, 4096)
	set, _ := block.NewSet([]*block.Block{b})
	pc := pagestate.NewPendingClean(set)

	done := make(chan bool, 1)

	go func() { done <- pc.Wait() }()

	time.Sleep(10 * time.Millisecond)
	pc.SetExit()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Wait should report no work when exiting empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
}
