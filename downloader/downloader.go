// Package downloader drains the outstanding blocks of every active pin
// through a single bounded pipeline.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	"go.sia.tech/pinsd/events"
	"go.sia.tech/pinsd/pins"
	"go.sia.tech/pinsd/refs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults used when no option overrides them.
const (
	DefaultSlots       = 50
	DefaultTaskTimeout = 10 * time.Second
	DefaultIdleDelay   = 100 * time.Millisecond
)

type (
	// A Tracker returns the references whose pins are still downloading.
	Tracker interface {
		Active() ([]refs.ActiveReference, error)
	}

	// Pins hands out fetch tasks for a pin.
	Pins interface {
		DownloadHeads(c cid.Cid, limit int) ([]*pins.Task, error)
	}

	// A TaskError is published when a scheduled fetch fails. The block is
	// retried on a later round.
	TaskError struct {
		Pin cid.Cid
		CID cid.Cid
		Err error
	}

	// State is the state of the downloader loop.
	State struct {
		Running bool `json:"running"`
		Paused  bool `json:"paused"`
	}

	// A Downloader continuously fetches the outstanding blocks of active
	// pins. Each pin's share of a round is weighted by the priority of its
	// most important reference.
	Downloader struct {
		tracker Tracker
		pins    Pins
		log     *zap.Logger

		slots       int
		taskTimeout time.Duration
		idleDelay   time.Duration

		events  events.Bus[TaskError]
		paused  atomic.Bool
		running atomic.Bool

		mu     sync.Mutex // held for the whole of Start and Stop
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// Weight returns the number of tasks drawn for a pin of the given priority
// in a single round. Lower priorities get larger weights and every pin gets
// at least one task.
func Weight(priority uint8, slots int) int {
	p := min(int(priority), refs.MaxPriority)
	return (refs.MaxPriority-p)*slots/refs.MaxPriority + 1
}

// Subscribe returns a channel that receives task failures.
func (d *Downloader) Subscribe(buffer int) (<-chan TaskError, func()) {
	return d.events.Subscribe(buffer)
}

// Pause stops new tasks from being drawn or started. Tasks already running
// are not interrupted.
func (d *Downloader) Pause() {
	if !d.paused.Swap(true) {
		d.log.Info("downloader paused")
	}
}

// Resume undoes Pause.
func (d *Downloader) Resume() {
	if d.paused.Swap(false) {
		d.log.Info("downloader resumed")
	}
}

// State returns the current state of the downloader.
func (d *Downloader) State() State {
	return State{
		Running: d.running.Load(),
		Paused:  d.paused.Load(),
	}
}

func (d *Downloader) runTask(ctx context.Context, t *pins.Task) {
	log := d.log.With(zap.Stringer("pin", t.Pin), zap.Stringer("cid", t.CID))

	ctx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	start := time.Now()
	res, err := t.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// downloader stopped
			return
		}
		log.Warn("failed to download block", zap.Error(err))
		d.events.Publish(TaskError{Pin: t.Pin, CID: t.CID, Err: err})
		return
	}
	log.Debug("downloaded block", zap.Int("links", len(res.Links)), zap.Duration("elapsed", time.Since(start)))
}

// tasks draws the tasks of a single round.
func (d *Downloader) tasks() ([]*pins.Task, error) {
	active, err := d.tracker.Active()
	if err != nil {
		return nil, fmt.Errorf("failed to get active references: %w", err)
	}

	// several keys can reference the same pin
	priorities := make(map[cid.Cid]uint8)
	var order []cid.Cid
	for _, ref := range active {
		p, ok := priorities[ref.CID]
		if !ok {
			order = append(order, ref.CID)
		}
		if !ok || ref.Priority < p {
			priorities[ref.CID] = ref.Priority
		}
	}

	var tasks []*pins.Task
	for _, c := range order {
		heads, err := d.pins.DownloadHeads(c, Weight(priorities[c], d.slots))
		if errors.Is(err, pins.ErrNoSuchPin) {
			// unpinned since Active was called
			continue
		} else if err != nil {
			for _, t := range tasks {
				t.Discard()
			}
			return nil, fmt.Errorf("failed to get heads of %q: %w", c, err)
		}
		tasks = append(tasks, heads...)
	}
	return tasks, nil
}

func (d *Downloader) round(ctx context.Context) {
	if d.paused.Load() {
		return
	}

	tasks, err := d.tasks()
	if err != nil {
		d.log.Error("failed to schedule downloads", zap.Error(err))
		return
	} else if len(tasks) == 0 {
		return
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(d.slots)
	for _, t := range tasks {
		g.Go(func() error {
			if d.paused.Load() {
				t.Discard()
				return nil
			}
			d.runTask(ctx, t)
			return nil
		})
	}
	g.Wait()
	d.log.Debug("round complete", zap.Int("tasks", len(tasks)), zap.Duration("elapsed", time.Since(start)))
}

func (d *Downloader) run(ctx context.Context) {
	for {
		d.round(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.idleDelay):
		}
	}
}

// Start starts the download loop. If the loop is being stopped, Start waits
// for it to exit first. Starting a running downloader is a no-op.
func (d *Downloader) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	d.running.Store(true)
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	d.log.Info("downloader started", zap.Int("slots", d.slots))
}

// Stop cancels every running task and waits for the loop to exit.
func (d *Downloader) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel, d.done = nil, nil
	d.running.Store(false)
	d.log.Info("downloader stopped")
}

// New creates a new Downloader. The loop is not started.
func New(tracker Tracker, pins Pins, opts ...Option) (*Downloader, error) {
	o := options{
		Slots:       DefaultSlots,
		TaskTimeout: DefaultTaskTimeout,
		IdleDelay:   DefaultIdleDelay,
		Log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case o.Slots <= 0:
		return nil, fmt.Errorf("slots must be positive")
	case o.TaskTimeout <= 0:
		return nil, fmt.Errorf("task timeout must be positive")
	case o.IdleDelay < 0:
		return nil, fmt.Errorf("idle delay must not be negative")
	}

	return &Downloader{
		tracker: tracker,
		pins:    pins,
		log:     o.Log,

		slots:       o.Slots,
		taskTimeout: o.TaskTimeout,
		idleDelay:   o.IdleDelay,
	}, nil
}
