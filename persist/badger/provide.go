package badger

import (
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"go.sia.tech/pinsd/ipfs"
)

type provideRecord struct {
	LastAnnouncement time.Time `cbor:"1,keyasint"`
}

var _ ipfs.ReprovideStore = (*Store)(nil)

// ProvideCIDs returns up to limit CIDs that need to be announced, least
// recently announced first.
func (s *Store) ProvideCIDs(limit int) (pinned []ipfs.PinnedCID, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		return scanCIDs(txn, prefixProvide, func(c cid.Cid, val []byte) (bool, error) {
			var r provideRecord
			if err := cbor.Unmarshal(val, &r); err != nil {
				return false, err
			}
			pinned = append(pinned, ipfs.PinnedCID{CID: c, LastAnnouncement: r.LastAnnouncement})
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(pinned, func(i, j int) bool {
		return pinned[i].LastAnnouncement.Before(pinned[j].LastAnnouncement)
	})
	if limit > 0 && len(pinned) > limit {
		pinned = pinned[:limit]
	}
	return pinned, nil
}

// SetLastAnnouncement updates the last announcement time of the given CIDs.
// CIDs that were removed in the meantime are skipped.
func (s *Store) SetLastAnnouncement(cids []cid.Cid, t time.Time) error {
	return s.update(func(txn *badger.Txn) error {
		for _, c := range cids {
			k := key(prefixProvide, c.String())
			if _, err := txn.Get(k); err == badger.ErrKeyNotFound {
				continue
			} else if err != nil {
				return err
			} else if err := setValue(txn, k, provideRecord{LastAnnouncement: t}); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddProvideCID adds c to the set of announced CIDs. A CID that is already
// in the set keeps its last announcement time.
func (s *Store) AddProvideCID(c cid.Cid) error {
	return s.update(func(txn *badger.Txn) error {
		k := key(prefixProvide, c.String())
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return setValue(txn, k, provideRecord{})
	})
}

// RemoveProvideCID removes c from the set of announced CIDs
func (s *Store) RemoveProvideCID(c cid.Cid) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(key(prefixProvide, c.String()))
	})
}
