package pins

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
)

type (
	// fetch is a single in-flight fetch of a block, shared by every pin
	// with a task for that block.
	fetch struct {
		claims  map[cid.Cid]bool // pins holding a task for the block
		started bool

		done  chan struct{}
		block blocks.Block
		err   error
	}

	// A Task fetches one block of a pin and records it. Every task returned
	// by DownloadHeads must be either run or discarded exactly once.
	Task struct {
		Pin   cid.Cid
		CID   cid.Cid
		Depth uint64

		m     *Manager
		f     *fetch
		ended atomic.Bool
	}

	// A Result is the outcome of a successful Task.
	Result struct {
		CID cid.Cid `json:"cid"`
		// Links are the children added to the pin's frontier.
		Links []cid.Cid `json:"links"`
	}
)

var errTaskEnded = errors.New("task already run")

// claim registers a task of pin for block c. It returns nil if the pin
// already has a task for c in flight.
func (m *Manager) claim(pin, c cid.Cid) *fetch {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.inflight[c]
	if !ok {
		f = &fetch{
			claims: make(map[cid.Cid]bool),
			done:   make(chan struct{}),
		}
		m.inflight[c] = f
	}
	if f.claims[pin] {
		return nil
	}
	f.claims[pin] = true
	return f
}

func (m *Manager) release(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(t.f.claims, t.Pin)
	if len(t.f.claims) == 0 && m.inflight[t.CID] == t.f {
		delete(m.inflight, t.CID)
	}
}

// getBlock reads a block from the local store if present, otherwise fetches
// it from the network and stores it locally.
func (m *Manager) getBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if ok, err := m.blocks.Has(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to check local block %q: %w", c, err)
	} else if ok {
		return m.blocks.Get(ctx, c)
	}

	block, err := m.getter.GetBlock(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %q: %w", c, err)
	} else if err := m.blocks.Put(ctx, block); err != nil {
		return nil, fmt.Errorf("failed to store block %q: %w", c, err)
	}
	return block, nil
}

// fetchShared waits for the shared fetch of c, starting it if no other task
// has.
func (m *Manager) fetchShared(ctx context.Context, f *fetch, c cid.Cid) (blocks.Block, error) {
	m.mu.Lock()
	start := !f.started
	f.started = true
	m.mu.Unlock()

	if start {
		f.block, f.err = m.getBlock(ctx, c)
		if f.err != nil {
			// drop the failed fetch so the next round retries
			m.mu.Lock()
			if m.inflight[c] == f {
				delete(m.inflight, c)
			}
			m.mu.Unlock()
		}
		close(f.done)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.block, f.err
	}
}

// commit moves the task's download record to a block record and adds the
// block's children to the pin's frontier. It returns the newly added
// children and whether the pin completed.
func (m *Manager) commit(ctx context.Context, t *Task, block blocks.Block, links []cid.Cid) (added []cid.Cid, completed bool, err error) {
	err = m.store.Update(func(tx Tx) error {
		added, completed = added[:0], false
		if err := ctx.Err(); err != nil {
			return err
		}

		pin, err := tx.Pin(t.Pin)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to get pin: %w", err)
		} else if pin.Status == StatusDestroyed {
			return nil
		}

		head, err := tx.Download(t.Pin, t.CID)
		if errors.Is(err, ErrNotFound) {
			// already recorded by another task
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to get download: %w", err)
		}

		if pin.Depth == nil || head.Depth < *pin.Depth {
			for _, link := range links {
				if _, err := tx.Download(t.Pin, link); err == nil {
					continue
				} else if !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("failed to get download: %w", err)
				}
				if _, err := tx.Block(t.Pin, link); err == nil {
					continue
				} else if !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("failed to get block: %w", err)
				}

				if err := tx.AddDownload(t.Pin, link, DownloadRecord{Depth: head.Depth + 1}); err != nil {
					return fmt.Errorf("failed to add download: %w", err)
				}
				added = append(added, link)
			}
		}

		rec := BlockRecord{
			Size:      uint64(len(block.RawData())),
			Depth:     head.Depth,
			Timestamp: time.Now(),
		}
		if err := tx.AddBlock(t.Pin, t.CID, rec); err != nil {
			return fmt.Errorf("failed to add block: %w", err)
		} else if err := tx.DeleteDownload(t.Pin, t.CID); err != nil {
			return fmt.Errorf("failed to delete download: %w", err)
		}

		if pin.Status != StatusDownloading {
			return nil
		}
		empty := true
		err = tx.Downloads(t.Pin, func(cid.Cid, DownloadRecord) bool {
			empty = false
			return false
		})
		if err != nil {
			return fmt.Errorf("failed to check downloads: %w", err)
		} else if !empty {
			return nil
		}
		pin.Status = StatusCompleted
		completed = true
		return tx.SetPin(t.Pin, pin)
	})
	return
}

// Run fetches the task's block, adds its children to the pin's frontier and
// records it. If the fetch fails or ctx is cancelled the download record is
// left in place so the block is retried.
func (t *Task) Run(ctx context.Context) (Result, error) {
	if !t.ended.CompareAndSwap(false, true) {
		return Result{}, errTaskEnded
	}
	defer t.m.release(t)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m := t.m
	log := m.log.Named("task").With(zap.Stringer("pin", t.Pin), zap.Stringer("cid", t.CID))
	start := time.Now()

	block, err := m.fetchShared(ctx, t.f, t.CID)
	if err != nil {
		return Result{}, err
	}

	links, err := Links(t.CID.Type(), block.RawData())
	if err != nil {
		return Result{}, fmt.Errorf("failed to get links of %q: %w", t.CID, err)
	}

	added, completed, err := m.commit(ctx, t, block, links)
	if err != nil {
		return Result{}, fmt.Errorf("failed to record block %q: %w", t.CID, err)
	}
	log.Debug("downloaded block", zap.Int("size", len(block.RawData())), zap.Int("links", len(added)), zap.Duration("elapsed", time.Since(start)))

	if completed {
		m.provide(ctx, t.Pin, log)
		log.Info("pin completed")
		m.events.Publish(Event{Type: EventPinAdded, CID: t.Pin})
	}
	return Result{CID: t.CID, Links: added}, nil
}

// Discard releases a task without running it.
func (t *Task) Discard() {
	if t.ended.CompareAndSwap(false, true) {
		t.m.release(t)
	}
}

// DownloadHeads returns up to limit tasks for the outstanding blocks of a
// pin, skipping blocks the pin already has a task in flight for. A limit of
// 0 returns a task for every outstanding block. Completed pins return no
// tasks.
func (m *Manager) DownloadHeads(c cid.Cid, limit int) ([]*Task, error) {
	var tasks []*Task
	err := m.store.View(func(tx Tx) error {
		pin, err := tx.Pin(c)
		if errors.Is(err, ErrNotFound) {
			return ErrNoSuchPin
		} else if err != nil {
			return fmt.Errorf("failed to get pin: %w", err)
		} else if pin.Status != StatusDownloading {
			return nil
		}

		return tx.Downloads(c, func(child cid.Cid, r DownloadRecord) bool {
			f := m.claim(c, child)
			if f == nil {
				return true
			}
			tasks = append(tasks, &Task{
				Pin:   c,
				CID:   child,
				Depth: r.Depth,
				m:     m,
				f:     f,
			})
			return limit <= 0 || len(tasks) < limit
		})
	})
	if err != nil {
		for _, t := range tasks {
			t.Discard()
		}
		return nil, err
	}
	return tasks, nil
}

// Download returns a sequence of tasks that drains a pin to completion. The
// sequence ends when no outstanding block is left without a task in flight.
// Each task should be run before the next one is requested; tasks not
// handed out when iteration stops early are discarded. The sequence may be
// iterated again after a partial drain.
func (m *Manager) Download(c cid.Cid) iter.Seq2[*Task, error] {
	return func(yield func(*Task, error) bool) {
		for {
			tasks, err := m.DownloadHeads(c, 0)
			if err != nil {
				yield(nil, err)
				return
			} else if len(tasks) == 0 {
				return
			}

			for i, t := range tasks {
				if !yield(t, nil) {
					for _, rest := range tasks[i+1:] {
						rest.Discard()
					}
					return
				}
			}
		}
	}
}
