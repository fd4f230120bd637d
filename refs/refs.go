// Package refs maps caller-supplied keys to pins. A pin is removed only when
// the last key referencing it is removed.
package refs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"go.sia.tech/pinsd/events"
	"go.sia.tech/pinsd/pins"
	"go.uber.org/zap"
)

// MaxPriority is the largest accepted priority. Lower values are more
// important.
const MaxPriority = 100

// ErrNotFound is returned when a key has no reference.
var ErrNotFound = errors.New("reference not found")

type (
	// A Reference is the pin a key points at.
	Reference struct {
		CID      cid.Cid `json:"cid"`
		Priority uint8   `json:"priority"`
	}

	// An ActiveReference is a reference whose pin is still downloading.
	ActiveReference struct {
		Key      string  `json:"key"`
		CID      cid.Cid `json:"cid"`
		Priority uint8   `json:"priority"`
	}

	// A RemovedEvent is published when a reference is removed.
	RemovedEvent struct {
		Key      string
		CID      cid.Cid
		Priority uint8
	}

	// A Store persists references.
	Store interface {
		Reference(key string) (Reference, error)
		SetReference(key string, ref Reference) error
		DeleteReference(key string) error
		// ReferenceKeys returns every key referencing c.
		ReferenceKeys(c cid.Cid) ([]string, error)
		References(fn func(key string, ref Reference) bool) error
	}

	// A Pinner pins and unpins CIDs.
	Pinner interface {
		Pin(c cid.Cid, opts ...pins.PinOption) error
		Unpin(ctx context.Context, c cid.Cid) error
		ActiveDownloads() ([]cid.Cid, error)
	}

	// A Tracker reference counts pins by key.
	Tracker struct {
		store  Store
		pinner Pinner
		log    *zap.Logger
		events events.Bus[RemovedEvent]

		mu sync.Mutex // serializes Put and Remove
	}
)

// Subscribe returns a channel that receives reference removals.
func (t *Tracker) Subscribe(buffer int) (<-chan RemovedEvent, func()) {
	return t.events.Subscribe(buffer)
}

func (t *Tracker) removeLocked(ctx context.Context, key string, ref Reference) error {
	keys, err := t.store.ReferenceKeys(ref.CID)
	if err != nil {
		return fmt.Errorf("failed to get references: %w", err)
	}

	var others int
	for _, k := range keys {
		if k != key {
			others++
		}
	}

	log := t.log.With(zap.String("key", key), zap.Stringer("cid", ref.CID))
	if others == 0 {
		if err := t.pinner.Unpin(ctx, ref.CID); err != nil {
			return fmt.Errorf("failed to unpin %q: %w", ref.CID, err)
		}
		log.Debug("last reference removed")
	}

	if err := t.store.DeleteReference(key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete reference: %w", err)
	}
	t.events.Publish(RemovedEvent{Key: key, CID: ref.CID, Priority: ref.Priority})
	return nil
}

// Put points key at c and pins c. If key pointed at a different CID, that
// reference is removed first.
func (t *Tracker) Put(ctx context.Context, key string, c cid.Cid, priority uint8) error {
	if priority > MaxPriority {
		return fmt.Errorf("priority %d exceeds maximum %d", priority, MaxPriority)
	} else if !c.Defined() {
		return errors.New("undefined cid")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, err := t.store.Reference(key)
	if err == nil && !old.CID.Equals(c) {
		if err := t.removeLocked(ctx, key, old); err != nil {
			return fmt.Errorf("failed to remove previous reference: %w", err)
		}
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to get reference: %w", err)
	}

	if err := t.store.SetReference(key, Reference{CID: c, Priority: priority}); err != nil {
		return fmt.Errorf("failed to set reference: %w", err)
	} else if err := t.pinner.Pin(c); err != nil {
		return fmt.Errorf("failed to pin %q: %w", c, err)
	}
	t.log.Debug("reference added", zap.String("key", key), zap.Stringer("cid", c), zap.Uint8("priority", priority))
	return nil
}

// Remove removes the reference of key. The referenced pin is removed if no
// other key references it. Removing an unknown key is a no-op.
func (t *Tracker) Remove(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, err := t.store.Reference(key)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to get reference: %w", err)
	}
	return t.removeLocked(ctx, key, ref)
}

// Get returns the reference of key.
func (t *Tracker) Get(key string) (Reference, error) {
	return t.store.Reference(key)
}

// Has returns true if key has a reference. If c is defined, the reference
// must also point at c.
func (t *Tracker) Has(key string, c cid.Cid) (bool, error) {
	ref, err := t.store.Reference(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return !c.Defined() || ref.CID.Equals(c), nil
}

// Active returns every reference whose pin is still downloading.
func (t *Tracker) Active() ([]ActiveReference, error) {
	downloading, err := t.pinner.ActiveDownloads()
	if err != nil {
		return nil, fmt.Errorf("failed to get active downloads: %w", err)
	} else if len(downloading) == 0 {
		return nil, nil
	}

	set := make(map[cid.Cid]bool, len(downloading))
	for _, c := range downloading {
		set[c] = true
	}

	var active []ActiveReference
	err = t.store.References(func(key string, ref Reference) bool {
		if set[ref.CID] {
			active = append(active, ActiveReference{Key: key, CID: ref.CID, Priority: ref.Priority})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get references: %w", err)
	}
	return active, nil
}

// NewTracker creates a new Tracker.
func NewTracker(store Store, pinner Pinner, log *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		pinner: pinner,
		log:    log,
	}
}
