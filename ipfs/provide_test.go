package ipfs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.sia.tech/pinsd/ipfs"
	"go.sia.tech/pinsd/persist/badger"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

type mockProvider struct {
	mu       sync.Mutex
	provided map[string]int
	ch       chan struct{}
}

func (mp *mockProvider) Ready() bool { return true }

func (mp *mockProvider) ProvideMany(_ context.Context, keys []multihash.Multihash) error {
	mp.mu.Lock()
	for _, k := range keys {
		mp.provided[k.String()]++
	}
	mp.mu.Unlock()
	select {
	case mp.ch <- struct{}{}:
	default:
	}
	return nil
}

func (mp *mockProvider) count(c cid.Cid) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.provided[c.Hash().String()]
}

func randomCID(t *testing.T) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(frand.Bytes(32), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func TestReprovider(t *testing.T) {
	log := zaptest.NewLogger(t)

	db, err := badger.OpenMemory(log.Named("badger"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mp := &mockProvider{provided: make(map[string]int), ch: make(chan struct{}, 1)}
	r := ipfs.NewReprovider(mp, db, log.Named("reprovider"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, time.Hour, time.Minute, 100)

	c := randomCID(t)
	if err := r.Provide(ctx, c); err != nil {
		t.Fatal(err)
	}

	select {
	case <-mp.ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for provide")
	}
	if n := mp.count(c); n != 1 {
		t.Fatalf("expected 1 announcement, got %d", n)
	}

	// the announcement is recorded so the cid is not provided again until
	// the interval passes
	deadline := time.Now().Add(10 * time.Second)
	for {
		pinned, err := db.ProvideCIDs(10)
		if err != nil {
			t.Fatal(err)
		} else if len(pinned) != 1 {
			t.Fatalf("expected 1 cid, got %d", len(pinned))
		} else if !pinned[0].LastAnnouncement.IsZero() {
			break
		} else if time.Now().After(deadline) {
			t.Fatal("announcement time was not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.Withdraw(ctx, c); err != nil {
		t.Fatal(err)
	} else if err := r.Withdraw(ctx, c); err != nil {
		t.Fatal("withdrawing twice should succeed", err)
	}
	pinned, err := db.ProvideCIDs(10)
	if err != nil {
		t.Fatal(err)
	} else if len(pinned) != 0 {
		t.Fatalf("expected no cids, got %d", len(pinned))
	}
}

func TestReproviderStops(t *testing.T) {
	log := zaptest.NewLogger(t)

	db, err := badger.OpenMemory(log.Named("badger"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mp := &mockProvider{provided: make(map[string]int), ch: make(chan struct{}, 1)}
	r := ipfs.NewReprovider(mp, db, log.Named("reprovider"))
	for i := 0; i < 5; i++ {
		if err := db.AddProvideCID(randomCID(t)); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Hour, time.Minute, 2)
		close(done)
	}()

	select {
	case <-mp.ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for provide")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reprovider did not stop")
	}
}
