package ipfs

import (
	"context"
	"time"

	"github.com/ipfs/boxo/provider"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

type (
	// PinnedCID is a CID that needs to be periodically announced.
	PinnedCID struct {
		CID              cid.Cid   `json:"cid"`
		LastAnnouncement time.Time `json:"lastAnnouncement"`
	}

	// A Provider provides CIDs to the IPFS network.
	Provider interface {
		provider.Ready
		provider.ProvideMany
	}

	// A ReprovideStore stores CIDs that need to be periodically announced.
	ReprovideStore interface {
		// ProvideCIDs returns up to limit CIDs, least recently announced
		// first.
		ProvideCIDs(limit int) ([]PinnedCID, error)
		SetLastAnnouncement(cids []cid.Cid, t time.Time) error
		AddProvideCID(c cid.Cid) error
		// RemoveProvideCID removes c from the set. Removing a CID that is
		// not in the set is not an error.
		RemoveProvideCID(c cid.Cid) error
	}
)

// A Reprovider periodically announces CIDs to the IPFS network.
type Reprovider struct {
	provider Provider
	store    ReprovideStore
	log      *zap.Logger

	triggerProvide chan struct{}
}

// Trigger triggers the reprovider loop to run immediately.
func (r *Reprovider) Trigger() {
	select {
	case r.triggerProvide <- struct{}{}:
	default:
	}
}

// Provide adds c to the set of announced CIDs and triggers an announcement.
func (r *Reprovider) Provide(_ context.Context, c cid.Cid) error {
	if err := r.store.AddProvideCID(c); err != nil {
		return err
	}
	r.Trigger()
	return nil
}

// Withdraw stops announcing c. Provider records already published expire
// on their own.
func (r *Reprovider) Withdraw(_ context.Context, c cid.Cid) error {
	return r.store.RemoveProvideCID(c)
}

// announceDue announces the next batch of CIDs whose last announcement is
// older than interval. It returns how long to wait before the next batch
// and whether the next batch can be announced immediately.
func (r *Reprovider) announceDue(ctx context.Context, interval, timeout time.Duration, batchSize int) (time.Duration, bool) {
	start := time.Now()

	due, err := r.store.ProvideCIDs(batchSize)
	if err != nil {
		r.log.Error("failed to get CIDs to announce", zap.Error(err))
		return time.Minute, false
	} else if len(due) == 0 {
		return 10 * time.Minute, false
	} else if rem := time.Until(due[0].LastAnnouncement.Add(interval)); rem > 0 {
		return rem, false
	}

	// CIDs within a tenth of the interval of expiring are announced with
	// this batch
	cutoff := start.Add(-(interval - interval/10))
	announced := make([]cid.Cid, 0, len(due))
	keys := make([]multihash.Multihash, 0, len(due))
	for _, pc := range due {
		if pc.LastAnnouncement.After(cutoff) {
			break
		}
		announced = append(announced, pc.CID)
		keys = append(keys, pc.CID.Hash())
	}

	provideCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.provider.ProvideMany(provideCtx, keys); err != nil {
		r.log.Error("failed to announce CIDs", zap.Error(err))
		return time.Minute, false
	} else if err := r.store.SetLastAnnouncement(announced, time.Now()); err != nil {
		r.log.Error("failed to update last announcement", zap.Error(err))
		return time.Minute, false
	}
	r.log.Debug("announced CIDs", zap.Int("count", len(announced)), zap.Duration("elapsed", time.Since(start)))
	return 0, true
}

// Run starts the reprovider loop, which periodically announces CIDs that
// have not been announced in the last interval. Run returns when ctx is
// cancelled.
func (r *Reprovider) Run(ctx context.Context, interval, timeout time.Duration, batchSize int) {
	for !r.provider.Ready() {
		r.log.Debug("provider not ready")
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}

	var sleep time.Duration
	for {
		r.log.Debug("waiting for next announcement", zap.Duration("duration", sleep))
		select {
		case <-ctx.Done():
			return
		case <-r.triggerProvide:
			r.log.Debug("announcement triggered")
		case <-time.After(sleep):
		}

		for more := true; more; {
			if ctx.Err() != nil {
				return
			}
			sleep, more = r.announceDue(ctx, interval, timeout, batchSize)
		}
	}
}

// NewReprovider creates a new reprovider.
func NewReprovider(provider Provider, store ReprovideStore, log *zap.Logger) *Reprovider {
	return &Reprovider{
		provider:       provider,
		store:          store,
		log:            log,
		triggerProvide: make(chan struct{}, 1),
	}
}
