package pins_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/boxo/ipld/merkledag"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	format "github.com/ipfs/go-ipld-format"
	"go.sia.tech/pinsd/persist/badger"
	"go.sia.tech/pinsd/pins"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

type (
	// network serves blocks that are not in the local store and counts
	// every fetch.
	network struct {
		mu     sync.Mutex
		blocks map[cid.Cid]blocks.Block
		calls  map[cid.Cid]int
		gate   chan struct{}
	}

	provider struct {
		mu        sync.Mutex
		provided  map[cid.Cid]int
		withdrawn map[cid.Cid]int

		// called before a CID is added
		beforeProvide func(cid.Cid)
	}

	// dag is a test DAG: a -> {b, c}, c -> {d}
	dag struct {
		a, b, c, d format.Node
	}
)

func (n *network) add(nodes ...format.Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, node := range nodes {
		n.blocks[node.Cid()] = node
	}
}

func (n *network) count(c cid.Cid) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[c]
}

func (n *network) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	n.mu.Lock()
	n.calls[c]++
	b, ok := n.blocks[c]
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if !ok {
		return nil, format.ErrNotFound{Cid: c}
	}
	return b, nil
}

func (p *provider) Provide(_ context.Context, c cid.Cid) error {
	if p.beforeProvide != nil {
		p.beforeProvide(c)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provided[c]++
	return nil
}

func (p *provider) Withdraw(_ context.Context, c cid.Cid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provided[c] == 0 {
		return format.ErrNotFound{Cid: c}
	}
	p.withdrawn[c]++
	return nil
}

func newDAG(t *testing.T) dag {
	t.Helper()
	d := merkledag.NewRawNode(frand.Bytes(128))
	b := merkledag.NewRawNode(frand.Bytes(256))

	c := merkledag.NodeWithData(frand.Bytes(32))
	if err := c.AddNodeLink("d", d); err != nil {
		t.Fatal(err)
	}
	a := merkledag.NodeWithData(frand.Bytes(32))
	if err := a.AddNodeLink("b", b); err != nil {
		t.Fatal(err)
	} else if err := a.AddNodeLink("c", c); err != nil {
		t.Fatal(err)
	}
	return dag{a: a, b: b, c: c, d: d}
}

func (d dag) nodes() []format.Node {
	return []format.Node{d.a, d.b, d.c, d.d}
}

func (d dag) size() (n uint64) {
	for _, node := range d.nodes() {
		n += uint64(len(node.RawData()))
	}
	return
}

type testNode struct {
	m     *pins.Manager
	store *badger.Store
	bs    blockstore.Blockstore
	net   *network
	prov  *provider
}

func newTestNode(t *testing.T, opts ...pins.Option) *testNode {
	t.Helper()
	log := zaptest.NewLogger(t)

	db, err := badger.OpenMemory(log.Named("badger"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	tn := &testNode{
		store: db,
		bs:    blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore())),
		net:   &network{blocks: make(map[cid.Cid]blocks.Block), calls: make(map[cid.Cid]int)},
		prov:  &provider{provided: make(map[cid.Cid]int), withdrawn: make(map[cid.Cid]int)},
	}
	tn.m, err = pins.NewManager(db, tn.bs, tn.net, tn.prov, append([]pins.Option{pins.WithLog(log.Named("pins"))}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return tn
}

// drain runs every task of a pin sequentially and returns the number of
// tasks run.
func drain(t *testing.T, m *pins.Manager, c cid.Cid) int {
	t.Helper()
	var n int
	for task, err := range m.Download(c) {
		if err != nil {
			t.Fatal(err)
		} else if _, err := task.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		n++
	}
	return n
}

func expectEvent(t *testing.T, ch <-chan pins.Event, et pins.EventType, c cid.Cid) {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != et || !ev.CID.Equals(c) {
			t.Fatalf("expected %v %v, got %v %v", et, c, ev.Type, ev.CID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %v", et)
	}
}

func TestPinIdempotent(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	root := d.a.Cid()

	for i := 0; i < 2; i++ {
		if err := tn.m.Pin(root); err != nil {
			t.Fatal(err)
		}
	}

	heads, err := tn.m.Heads(root, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(heads) != 1 || !heads[0].CID.Equals(root) || heads[0].Depth != 0 {
		t.Fatalf("expected root head, got %v", heads)
	}

	if status, err := tn.m.Status(root); err != nil {
		t.Fatal(err)
	} else if status != pins.StatusDownloading {
		t.Fatalf("expected downloading, got %v", status)
	}

	active, err := tn.m.ActiveDownloads()
	if err != nil {
		t.Fatal(err)
	} else if len(active) != 1 || !active[0].Equals(root) {
		t.Fatalf("expected %v active, got %v", root, active)
	}

	for i := 0; i < 2; i++ {
		if err := tn.m.Unpin(context.Background(), root); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tn.m.Status(root); !errors.Is(err, pins.ErrNoSuchPin) {
		t.Fatalf("expected ErrNoSuchPin, got %v", err)
	} else if heads, err := tn.m.Heads(root, 0); err != nil {
		t.Fatal(err)
	} else if len(heads) != 0 {
		t.Fatalf("expected no heads, got %v", heads)
	}
}

func TestDownload(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	tn.net.add(d.nodes()...)
	root := d.a.Cid()

	events, unsubscribe := tn.m.Subscribe(10)
	defer unsubscribe()

	if err := tn.m.Pin(root); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, events, pins.EventPinAdding, root)

	if n := drain(t, tn.m, root); n != 4 {
		t.Fatalf("expected 4 tasks, got %d", n)
	}
	expectEvent(t, events, pins.EventPinAdded, root)

	if status, err := tn.m.Status(root); err != nil {
		t.Fatal(err)
	} else if status != pins.StatusCompleted {
		t.Fatalf("expected completed, got %v", status)
	}

	state, err := tn.m.State(root)
	if err != nil {
		t.Fatal(err)
	} else if state.Blocks != 4 || state.Size != d.size() {
		t.Fatalf("expected 4 blocks of %d bytes, got %+v", d.size(), state)
	}

	for _, node := range d.nodes() {
		if ok, err := tn.bs.Has(context.Background(), node.Cid()); err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatalf("expected %v in local store", node.Cid())
		} else if n := tn.net.count(node.Cid()); n != 1 {
			t.Fatalf("expected 1 fetch of %v, got %d", node.Cid(), n)
		}
	}

	if tn.prov.provided[root] != 1 {
		t.Fatal("expected root to be provided")
	} else if active, err := tn.m.ActiveDownloads(); err != nil {
		t.Fatal(err)
	} else if len(active) != 0 {
		t.Fatalf("expected no active downloads, got %v", active)
	}

	// completed pins have no work
	if tasks, err := tn.m.DownloadHeads(root, 0); err != nil {
		t.Fatal(err)
	} else if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}

	if speed, err := tn.m.Speed(root, time.Minute); err != nil {
		t.Fatal(err)
	} else if expected := float64(d.size()) / float64(time.Minute.Milliseconds()); speed != expected {
		t.Fatalf("expected speed %v, got %v", expected, speed)
	} else if speed, _ := tn.m.Speed(root, 0); speed != 0 {
		t.Fatalf("expected 0 speed for empty window, got %v", speed)
	}

	if err := tn.m.Unpin(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, events, pins.EventPinRemoved, root)
	if tn.prov.withdrawn[root] != 1 {
		t.Fatal("expected root to be withdrawn")
	} else if _, err := tn.m.State(root); !errors.Is(err, pins.ErrNoSuchPin) {
		t.Fatalf("expected ErrNoSuchPin, got %v", err)
	}
}

func TestDownloadHeadsUnknown(t *testing.T) {
	tn := newTestNode(t)
	if _, err := tn.m.DownloadHeads(newDAG(t).a.Cid(), 1); !errors.Is(err, pins.ErrNoSuchPin) {
		t.Fatalf("expected ErrNoSuchPin, got %v", err)
	}
}

func TestDownloadLimit(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	tn.net.add(d.nodes()...)
	root := d.a.Cid()

	if err := tn.m.Pin(root); err != nil {
		t.Fatal(err)
	}
	tasks, err := tn.m.DownloadHeads(root, 5)
	if err != nil {
		t.Fatal(err)
	} else if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	res, err := tasks[0].Run(context.Background())
	if err != nil {
		t.Fatal(err)
	} else if len(res.Links) != 2 {
		t.Fatalf("expected 2 links, got %v", res.Links)
	}

	tasks, err = tn.m.DownloadHeads(root, 1)
	if err != nil {
		t.Fatal(err)
	} else if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}

	// the outstanding task is not handed out again
	rest, err := tn.m.DownloadHeads(root, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(rest) != 1 || rest[0].CID.Equals(tasks[0].CID) {
		t.Fatalf("expected the other head, got %v", rest)
	}

	tasks[0].Discard()
	rest[0].Discard()
	if _, err := tasks[0].Run(context.Background()); err == nil {
		t.Fatal("expected discarded task to fail")
	}

	if tasks, err := tn.m.DownloadHeads(root, 0); err != nil {
		t.Fatal(err)
	} else if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks after discard, got %d", len(tasks))
	} else {
		for _, task := range tasks {
			task.Discard()
		}
	}
}

func TestDepthLimit(t *testing.T) {
	tests := []struct {
		depth  uint64
		blocks uint64
	}{
		{0, 1},
		{1, 3},
		{2, 4},
	}
	for _, test := range tests {
		tn := newTestNode(t)
		d := newDAG(t)
		tn.net.add(d.nodes()...)
		root := d.a.Cid()

		if err := tn.m.Pin(root, pins.WithDepth(test.depth)); err != nil {
			t.Fatal(err)
		}
		drain(t, tn.m, root)

		if status, err := tn.m.Status(root); err != nil {
			t.Fatal(err)
		} else if status != pins.StatusCompleted {
			t.Fatalf("depth %d: expected completed, got %v", test.depth, status)
		} else if state, err := tn.m.State(root); err != nil {
			t.Fatal(err)
		} else if state.Blocks != test.blocks {
			t.Fatalf("depth %d: expected %d blocks, got %d", test.depth, test.blocks, state.Blocks)
		}
	}
}

func TestSharedFetch(t *testing.T) {
	tn := newTestNode(t)

	shared := merkledag.NewRawNode(frand.Bytes(512))
	r1 := merkledag.NodeWithData([]byte("r1"))
	r2 := merkledag.NodeWithData([]byte("r2"))
	for _, r := range []*merkledag.ProtoNode{r1, r2} {
		if err := r.AddNodeLink("shared", shared); err != nil {
			t.Fatal(err)
		}
	}
	tn.net.add(shared, r1, r2)

	for _, r := range []format.Node{r1, r2} {
		if err := tn.m.Pin(r.Cid()); err != nil {
			t.Fatal(err)
		}
		tasks, err := tn.m.DownloadHeads(r.Cid(), 0)
		if err != nil {
			t.Fatal(err)
		} else if len(tasks) != 1 {
			t.Fatalf("expected 1 task, got %d", len(tasks))
		} else if _, err := tasks[0].Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	gate := make(chan struct{})
	tn.net.mu.Lock()
	tn.net.gate = gate
	tn.net.mu.Unlock()

	var tasks []*pins.Task
	for _, r := range []format.Node{r1, r2} {
		t1, err := tn.m.DownloadHeads(r.Cid(), 0)
		if err != nil {
			t.Fatal(err)
		} else if len(t1) != 1 || !t1[0].CID.Equals(shared.Cid()) {
			t.Fatalf("expected shared task, got %v", t1)
		}
		tasks = append(tasks, t1[0])
	}

	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *pins.Task) {
			defer wg.Done()
			_, errs[i] = task.Run(context.Background())
		}(i, task)
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := tn.net.count(shared.Cid()); n != 1 {
		t.Fatalf("expected 1 fetch of shared block, got %d", n)
	}
	for _, r := range []format.Node{r1, r2} {
		if status, err := tn.m.Status(r.Cid()); err != nil {
			t.Fatal(err)
		} else if status != pins.StatusCompleted {
			t.Fatalf("expected %v completed, got %v", r.Cid(), status)
		} else if state, err := tn.m.State(r.Cid()); err != nil {
			t.Fatal(err)
		} else if state.Blocks != 2 {
			t.Fatalf("expected 2 blocks, got %d", state.Blocks)
		}
	}
}

func TestCancelledTask(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	tn.net.add(d.nodes()...)
	root := d.a.Cid()

	gate := make(chan struct{})
	tn.net.gate = gate

	if err := tn.m.Pin(root); err != nil {
		t.Fatal(err)
	}
	tasks, err := tn.m.DownloadHeads(root, 0)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tasks[0].Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// nothing was recorded and the block can be retried
	heads, err := tn.m.Heads(root, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(heads) != 1 || !heads[0].CID.Equals(root) {
		t.Fatalf("expected root head, got %v", heads)
	} else if state, err := tn.m.State(root); err != nil {
		t.Fatal(err)
	} else if state.Blocks != 0 {
		t.Fatalf("expected no blocks, got %d", state.Blocks)
	}

	close(gate)
	if n := drain(t, tn.m, root); n != 4 {
		t.Fatalf("expected 4 tasks, got %d", n)
	}
}

func TestUnpinDuringDownload(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	tn.net.add(d.nodes()...)
	root := d.a.Cid()

	if err := tn.m.Pin(root); err != nil {
		t.Fatal(err)
	}
	tasks, err := tn.m.DownloadHeads(root, 0)
	if err != nil {
		t.Fatal(err)
	} else if err := tn.m.Unpin(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	res, err := tasks[0].Run(context.Background())
	if err != nil {
		t.Fatal(err)
	} else if len(res.Links) != 0 {
		t.Fatalf("expected no links for a removed pin, got %v", res.Links)
	}

	if _, err := tn.m.State(root); !errors.Is(err, pins.ErrNoSuchPin) {
		t.Fatalf("expected ErrNoSuchPin, got %v", err)
	}
	err = tn.store.View(func(tx pins.Tx) error {
		var n int
		err := tx.Blocks(root, func(cid.Cid, pins.BlockRecord) bool {
			n++
			return true
		})
		if n != 0 {
			t.Fatalf("expected no block records, got %d", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPinLocal(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	root := d.a.Cid()

	events, unsubscribe := tn.m.Subscribe(10)
	defer unsubscribe()

	// the leaf is missing
	for _, node := range []format.Node{d.a, d.b, d.c} {
		if err := tn.bs.Put(context.Background(), node); err != nil {
			t.Fatal(err)
		}
	}
	if err := tn.m.PinLocal(context.Background(), root); !errors.Is(err, pins.ErrMissingBlock) {
		t.Fatalf("expected ErrMissingBlock, got %v", err)
	} else if _, err := tn.m.Status(root); !errors.Is(err, pins.ErrNoSuchPin) {
		t.Fatalf("expected ErrNoSuchPin, got %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("expected no event for a failed pin, got %v %v", ev.Type, ev.CID)
	default:
	}

	if err := tn.bs.Put(context.Background(), d.d); err != nil {
		t.Fatal(err)
	} else if err := tn.m.PinLocal(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, events, pins.EventPinAdding, root)
	expectEvent(t, events, pins.EventPinAdded, root)

	if status, err := tn.m.Status(root); err != nil {
		t.Fatal(err)
	} else if status != pins.StatusCompleted {
		t.Fatalf("expected completed, got %v", status)
	} else if state, err := tn.m.State(root); err != nil {
		t.Fatal(err)
	} else if state.Blocks != 4 || state.Size != d.size() {
		t.Fatalf("expected 4 blocks of %d bytes, got %+v", d.size(), state)
	}

	for _, node := range d.nodes() {
		if n := tn.net.count(node.Cid()); n != 0 {
			t.Fatalf("expected no network fetch of %v, got %d", node.Cid(), n)
		}
	}
	if tn.prov.provided[root] != 1 {
		t.Fatal("expected root to be provided")
	}
}

func TestPinLocalBatches(t *testing.T) {
	tn := newTestNode(t, pins.WithPurgeBatch(3))

	root := merkledag.NodeWithData([]byte("root"))
	for i := 0; i < 10; i++ {
		leaf := merkledag.NewRawNode(frand.Bytes(16))
		if err := root.AddNodeLink("", leaf); err != nil {
			t.Fatal(err)
		} else if err := tn.bs.Put(context.Background(), leaf); err != nil {
			t.Fatal(err)
		}
	}
	if err := tn.bs.Put(context.Background(), root); err != nil {
		t.Fatal(err)
	} else if err := tn.m.PinLocal(context.Background(), root.Cid()); err != nil {
		t.Fatal(err)
	}

	if state, err := tn.m.State(root.Cid()); err != nil {
		t.Fatal(err)
	} else if state.Blocks != 11 {
		t.Fatalf("expected 11 blocks, got %d", state.Blocks)
	}

	if err := tn.m.Unpin(context.Background(), root.Cid()); err != nil {
		t.Fatal(err)
	}
	err := tn.store.View(func(tx pins.Tx) error {
		var n int
		err := tx.Blocks(root.Cid(), func(cid.Cid, pins.BlockRecord) bool {
			n++
			return true
		})
		if n != 0 {
			t.Fatalf("expected no block records, got %d", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStalePinsRemoved(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := badger.OpenMemory(log)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	d := newDAG(t)
	destroyed, uploading, downloading := d.a.Cid(), d.b.Cid(), d.c.Cid()
	err = db.Update(func(tx pins.Tx) error {
		for c, status := range map[cid.Cid]pins.Status{
			destroyed:   pins.StatusDestroyed,
			uploading:   pins.StatusUploading,
			downloading: pins.StatusDownloading,
		} {
			if err := tx.SetPin(c, pins.PinRecord{Status: status}); err != nil {
				return err
			} else if err := tx.AddBlock(c, d.d.Cid(), pins.BlockRecord{Size: 1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	bs := blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	net := &network{blocks: make(map[cid.Cid]blocks.Block), calls: make(map[cid.Cid]int)}
	prov := &provider{provided: make(map[cid.Cid]int), withdrawn: make(map[cid.Cid]int)}
	m, err := pins.NewManager(db, bs, net, prov, pins.WithLog(log))
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []cid.Cid{destroyed, uploading} {
		if _, err := m.Status(c); !errors.Is(err, pins.ErrNoSuchPin) {
			t.Fatalf("expected %v to be removed, got %v", c, err)
		}
	}
	if status, err := m.Status(downloading); err != nil {
		t.Fatal(err)
	} else if status != pins.StatusDownloading {
		t.Fatalf("expected downloading, got %v", status)
	}
}

func TestSpeedUnknownPin(t *testing.T) {
	tn := newTestNode(t)
	if speed, err := tn.m.Speed(newDAG(t).a.Cid(), time.Minute); err != nil {
		t.Fatal(err)
	} else if speed != 0 {
		t.Fatalf("expected 0, got %v", speed)
	}
}

func TestSpeedSubMillisecond(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	tn.net.add(d.nodes()...)
	root := d.a.Cid()

	if err := tn.m.Pin(root); err != nil {
		t.Fatal(err)
	}
	drain(t, tn.m, root)

	for _, c := range []cid.Cid{root, d.b.Cid()} {
		speed, err := tn.m.Speed(c, 500*time.Microsecond)
		if err != nil {
			t.Fatal(err)
		} else if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
			t.Fatalf("expected finite speed for %v, got %v", c, speed)
		}
	}

	if speed, err := tn.m.Speed(d.b.Cid(), 500*time.Microsecond); err != nil {
		t.Fatal(err)
	} else if speed != 0 {
		t.Fatalf("expected 0 for unknown pin, got %v", speed)
	}
}

func TestUnpinWhileProviding(t *testing.T) {
	tn := newTestNode(t)
	d := newDAG(t)
	tn.net.add(d.nodes()...)
	root := d.a.Cid()

	// the pin is removed after it completes but before the announcement
	// is added
	tn.prov.beforeProvide = func(c cid.Cid) {
		if err := tn.m.Unpin(context.Background(), c); err != nil {
			t.Error(err)
		}
	}

	if err := tn.m.Pin(root); err != nil {
		t.Fatal(err)
	}
	for {
		tasks, err := tn.m.DownloadHeads(root, 0)
		if errors.Is(err, pins.ErrNoSuchPin) {
			break
		} else if err != nil {
			t.Fatal(err)
		} else if len(tasks) == 0 {
			t.Fatal("expected pin to be removed")
		}
		for _, task := range tasks {
			if _, err := task.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
	}

	tn.prov.mu.Lock()
	defer tn.prov.mu.Unlock()
	if tn.prov.provided[root] != 1 {
		t.Fatalf("expected root to be provided once, got %d", tn.prov.provided[root])
	} else if tn.prov.withdrawn[root] != 1 {
		t.Fatalf("expected root to be withdrawn after providing, got %d", tn.prov.withdrawn[root])
	}
}
