// Package pins tracks which blocks of a pinned DAG have been fetched,
// schedules the remaining fetches and deduplicates fetches of the same block
// across pins.
package pins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"go.sia.tech/pinsd/events"
	"go.uber.org/zap"
)

// Event types
const (
	EventPinAdding EventType = iota + 1
	EventPinAdded
	EventPinRemoved
)

type (
	// EventType identifies a pin lifecycle event.
	EventType uint8

	// An Event is published when a pin changes state.
	Event struct {
		Type EventType
		CID  cid.Cid
	}

	// A Manager maintains the pin, block and download records of every pin
	// on the node.
	Manager struct {
		store    Store
		blocks   BlockStore
		getter   BlockGetter
		provider Provider
		log      *zap.Logger

		purgeBatch int
		events     events.Bus[Event]

		mu       sync.Mutex // protects inflight
		inflight map[cid.Cid]*fetch
	}
)

// String implements fmt.Stringer
func (et EventType) String() string {
	switch et {
	case EventPinAdding:
		return "pin-adding"
	case EventPinAdded:
		return "pin-added"
	case EventPinRemoved:
		return "pin-removed"
	default:
		return "unknown"
	}
}

// Subscribe returns a channel that receives pin events. Events are dropped
// if the channel's buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.Subscribe(buffer)
}

func (m *Manager) pinRecord(c cid.Cid) (rec PinRecord, err error) {
	err = m.store.View(func(tx Tx) error {
		rec, err = tx.Pin(c)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return PinRecord{}, ErrNoSuchPin
	}
	return
}

// Pin starts tracking c. Blocks are fetched by the tasks returned from
// DownloadHeads. Pinning a CID that is already pinned is a no-op.
func (m *Manager) Pin(c cid.Cid, opts ...PinOption) error {
	var po pinOptions
	for _, opt := range opts {
		opt(&po)
	}

	var created bool
	err := m.store.Update(func(tx Tx) error {
		created = false
		if _, err := tx.Pin(c); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to get pin: %w", err)
		}

		if err := tx.SetPin(c, PinRecord{Status: StatusDownloading, Depth: po.Depth}); err != nil {
			return fmt.Errorf("failed to add pin: %w", err)
		} else if err := tx.AddDownload(c, c, DownloadRecord{Depth: 0}); err != nil {
			return fmt.Errorf("failed to add root download: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return err
	} else if created {
		m.log.Info("pin added", zap.Stringer("cid", c))
		m.events.Publish(Event{Type: EventPinAdding, CID: c})
	}
	return nil
}

// PinLocal pins a DAG that is already fully present in the local block
// store. It never fetches from the network: if any reachable block is
// missing ErrMissingBlock is returned and no pin is created.
func (m *Manager) PinLocal(ctx context.Context, root cid.Cid) error {
	log := m.log.Named("PinLocal").With(zap.Stringer("cid", root))

	if _, err := m.pinRecord(root); err == nil {
		return nil
	} else if !errors.Is(err, ErrNoSuchPin) {
		return err
	}

	type localBlock struct {
		c   cid.Cid
		rec BlockRecord
	}

	start := time.Now()
	var found []localBlock
	seen := map[cid.Cid]bool{root: true}
	queue := []Head{{CID: root}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		head := queue[0]
		queue = queue[1:]

		if ok, err := m.blocks.Has(ctx, head.CID); err != nil {
			return fmt.Errorf("failed to check block %q: %w", head.CID, err)
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrMissingBlock, head.CID)
		}

		block, err := m.blocks.Get(ctx, head.CID)
		if format.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrMissingBlock, head.CID)
		} else if err != nil {
			return fmt.Errorf("failed to get block %q: %w", head.CID, err)
		}

		links, err := Links(head.CID.Type(), block.RawData())
		if err != nil {
			return fmt.Errorf("failed to get links of %q: %w", head.CID, err)
		}
		for _, link := range links {
			if seen[link] {
				continue
			}
			seen[link] = true
			queue = append(queue, Head{CID: link, Depth: head.Depth + 1})
		}

		found = append(found, localBlock{
			c: head.CID,
			rec: BlockRecord{
				Size:      uint64(len(block.RawData())),
				Depth:     head.Depth,
				Timestamp: time.Now(),
			},
		})
	}

	var created bool
	err := m.store.Update(func(tx Tx) error {
		created = false
		if _, err := tx.Pin(root); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to get pin: %w", err)
		}
		created = true
		return tx.SetPin(root, PinRecord{Status: StatusUploading})
	})
	if err != nil {
		return fmt.Errorf("failed to add pin: %w", err)
	} else if !created {
		// pinned concurrently
		return nil
	}
	m.events.Publish(Event{Type: EventPinAdding, CID: root})

	for i := 0; i < len(found); i += m.purgeBatch {
		batch := found[i:min(i+m.purgeBatch, len(found))]
		err := m.store.Update(func(tx Tx) error {
			for _, b := range batch {
				if err := tx.AddBlock(root, b.c, b.rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if err := m.purge(root); err != nil {
				log.Error("failed to remove partial pin", zap.Error(err))
			}
			return fmt.Errorf("failed to add block records: %w", err)
		}
	}

	err = m.store.Update(func(tx Tx) error {
		return tx.SetPin(root, PinRecord{Status: StatusCompleted})
	})
	if err != nil {
		return fmt.Errorf("failed to complete pin: %w", err)
	}

	m.provide(ctx, root, log)
	log.Info("pinned local DAG", zap.Int("blocks", len(found)), zap.Duration("elapsed", time.Since(start)))
	m.events.Publish(Event{Type: EventPinAdded, CID: root})
	return nil
}

// provide announces a completed pin. The pin is re-read afterwards: if it
// was unpinned while the announcement was being added, the withdrawal may
// have already happened and the announcement is removed again.
func (m *Manager) provide(ctx context.Context, c cid.Cid, log *zap.Logger) {
	if err := m.provider.Provide(ctx, c); err != nil {
		log.Warn("failed to provide pin", zap.Error(err))
		return
	}

	rec, err := m.pinRecord(c)
	if err == nil && rec.Status != StatusDestroyed {
		return
	} else if err != nil && !errors.Is(err, ErrNoSuchPin) {
		log.Warn("failed to check pin after providing", zap.Error(err))
		return
	}
	if err := m.provider.Withdraw(ctx, c); err != nil && !errors.Is(err, ErrNotFound) && !format.IsNotFound(err) {
		log.Warn("failed to withdraw unpinned pin", zap.Error(err))
	}
}

// purge deletes every record of a pin in batches, then the pin record
// itself.
func (m *Manager) purge(c cid.Cid) error {
	for {
		var n int
		err := m.store.Update(func(tx Tx) (err error) {
			n, err = tx.PurgeRecords(c, m.purgeBatch)
			return
		})
		if err != nil {
			return fmt.Errorf("failed to purge records: %w", err)
		} else if n == 0 {
			break
		}
	}

	return m.store.Update(func(tx Tx) error {
		err := tx.DeletePin(c)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}

// Unpin removes a pin and all of its records. Unpinning a CID that is not
// pinned is a no-op.
func (m *Manager) Unpin(ctx context.Context, c cid.Cid) error {
	log := m.log.Named("Unpin").With(zap.Stringer("cid", c))

	var found bool
	err := m.store.Update(func(tx Tx) error {
		rec, err := tx.Pin(c)
		if errors.Is(err, ErrNotFound) {
			found = false
			return nil
		} else if err != nil {
			return err
		}
		found = true
		rec.Status = StatusDestroyed
		return tx.SetPin(c, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to mark pin destroyed: %w", err)
	} else if !found {
		return nil
	}

	if err := m.provider.Withdraw(ctx, c); err != nil && !errors.Is(err, ErrNotFound) && !format.IsNotFound(err) {
		return fmt.Errorf("failed to withdraw provider record: %w", err)
	}

	if err := m.purge(c); err != nil {
		return err
	}
	log.Info("pin removed")
	m.events.Publish(Event{Type: EventPinRemoved, CID: c})
	return nil
}

// Status returns the status of a pin. ErrNoSuchPin is returned if c is not
// pinned.
func (m *Manager) Status(c cid.Cid) (Status, error) {
	rec, err := m.pinRecord(c)
	return rec.Status, err
}

// State sums the block records of a pin.
func (m *Manager) State(c cid.Cid) (state State, err error) {
	err = m.store.View(func(tx Tx) error {
		if _, err := tx.Pin(c); errors.Is(err, ErrNotFound) {
			return ErrNoSuchPin
		} else if err != nil {
			return err
		}

		return tx.Blocks(c, func(_ cid.Cid, r BlockRecord) bool {
			state.Size += r.Size
			state.Blocks++
			return true
		})
	})
	return
}

// Speed returns the rate, in bytes per millisecond, at which blocks of a
// pin were stored during the last window. It is a moving average over the
// window, not an instantaneous rate. Unknown pins and non-positive windows
// return 0.
func (m *Manager) Speed(c cid.Cid, window time.Duration) (float64, error) {
	if window <= 0 {
		return 0, nil
	}

	now := time.Now()
	since := now.Add(-window)
	var total uint64
	err := m.store.View(func(tx Tx) error {
		return tx.Blocks(c, func(_ cid.Cid, r BlockRecord) bool {
			if !r.Timestamp.Before(since) && !r.Timestamp.After(now) {
				total += r.Size
			}
			return true
		})
	})
	if err != nil {
		return 0, err
	}
	return float64(total) / (float64(window) / float64(time.Millisecond)), nil
}

// ActiveDownloads returns every pin that is still downloading.
func (m *Manager) ActiveDownloads() (active []cid.Cid, err error) {
	err = m.store.View(func(tx Tx) error {
		return tx.Pins(func(c cid.Cid, r PinRecord) bool {
			if r.Status == StatusDownloading {
				active = append(active, c)
			}
			return true
		})
	})
	return
}

// Heads returns up to limit outstanding downloads of a pin. A limit of 0
// returns all of them.
func (m *Manager) Heads(c cid.Cid, limit int) (heads []Head, err error) {
	err = m.store.View(func(tx Tx) error {
		return tx.Downloads(c, func(child cid.Cid, r DownloadRecord) bool {
			heads = append(heads, Head{CID: child, Depth: r.Depth})
			return limit <= 0 || len(heads) < limit
		})
	})
	return
}

// NewManager creates a new Manager. Pins left half-removed or half-added by
// an unclean shutdown are purged.
func NewManager(store Store, bs BlockStore, getter BlockGetter, provider Provider, opts ...Option) (*Manager, error) {
	o := options{
		Log:        zap.NewNop(),
		PurgeBatch: 1000,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.PurgeBatch <= 0 {
		return nil, fmt.Errorf("purge batch must be positive")
	}

	m := &Manager{
		store:    store,
		blocks:   bs,
		getter:   getter,
		provider: provider,
		log:      o.Log,

		purgeBatch: o.PurgeBatch,
		inflight:   make(map[cid.Cid]*fetch),
	}

	var stale []cid.Cid
	err := store.View(func(tx Tx) error {
		return tx.Pins(func(c cid.Cid, r PinRecord) bool {
			if r.Status == StatusDestroyed || r.Status == StatusUploading {
				stale = append(stale, c)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pins: %w", err)
	}
	for _, c := range stale {
		m.log.Info("removing stale pin", zap.Stringer("cid", c))
		if err := m.purge(c); err != nil {
			return nil, fmt.Errorf("failed to remove stale pin %q: %w", c, err)
		}
	}
	return m, nil
}
