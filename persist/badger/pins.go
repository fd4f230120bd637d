package badger

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"go.sia.tech/pinsd/pins"
)

// pinTxn implements pins.Tx
type pinTxn struct {
	txn *badger.Txn
}

var _ pins.Tx = pinTxn{}

// Pin returns the pin record of c
func (tx pinTxn) Pin(c cid.Cid) (r pins.PinRecord, err error) {
	err = getValue(tx.txn, key(prefixPins, c.String()), &r, pins.ErrNotFound)
	return
}

// SetPin adds or replaces the pin record of c
func (tx pinTxn) SetPin(c cid.Cid, r pins.PinRecord) error {
	return setValue(tx.txn, key(prefixPins, c.String()), r)
}

// DeletePin deletes the pin record of c
func (tx pinTxn) DeletePin(c cid.Cid) error {
	return deleteKey(tx.txn, key(prefixPins, c.String()), pins.ErrNotFound)
}

// Pins calls fn for every pin record
func (tx pinTxn) Pins(fn func(c cid.Cid, r pins.PinRecord) bool) error {
	return scanCIDs(tx.txn, prefixPins, func(c cid.Cid, val []byte) (bool, error) {
		var r pins.PinRecord
		if err := cbor.Unmarshal(val, &r); err != nil {
			return false, err
		}
		return fn(c, r), nil
	})
}

// Block returns the block record of c scoped to pinnedBy
func (tx pinTxn) Block(pinnedBy, c cid.Cid) (r pins.BlockRecord, err error) {
	err = getValue(tx.txn, key(prefixBlocks, pinnedBy.String(), c.String()), &r, pins.ErrNotFound)
	return
}

// AddBlock adds a block record scoped to pinnedBy
func (tx pinTxn) AddBlock(pinnedBy, c cid.Cid, r pins.BlockRecord) error {
	return setValue(tx.txn, key(prefixBlocks, pinnedBy.String(), c.String()), r)
}

// Blocks calls fn for every block record scoped to pinnedBy
func (tx pinTxn) Blocks(pinnedBy cid.Cid, fn func(c cid.Cid, r pins.BlockRecord) bool) error {
	return scanCIDs(tx.txn, scopedPrefix(prefixBlocks, pinnedBy), func(c cid.Cid, val []byte) (bool, error) {
		var r pins.BlockRecord
		if err := cbor.Unmarshal(val, &r); err != nil {
			return false, err
		}
		return fn(c, r), nil
	})
}

// Download returns the download record of c scoped to pinnedBy
func (tx pinTxn) Download(pinnedBy, c cid.Cid) (r pins.DownloadRecord, err error) {
	err = getValue(tx.txn, key(prefixDownloads, pinnedBy.String(), c.String()), &r, pins.ErrNotFound)
	return
}

// AddDownload adds a download record scoped to pinnedBy
func (tx pinTxn) AddDownload(pinnedBy, c cid.Cid, r pins.DownloadRecord) error {
	return setValue(tx.txn, key(prefixDownloads, pinnedBy.String(), c.String()), r)
}

// DeleteDownload deletes a download record scoped to pinnedBy
func (tx pinTxn) DeleteDownload(pinnedBy, c cid.Cid) error {
	return deleteKey(tx.txn, key(prefixDownloads, pinnedBy.String(), c.String()), pins.ErrNotFound)
}

// Downloads calls fn for every download record scoped to pinnedBy
func (tx pinTxn) Downloads(pinnedBy cid.Cid, fn func(c cid.Cid, r pins.DownloadRecord) bool) error {
	return scanCIDs(tx.txn, scopedPrefix(prefixDownloads, pinnedBy), func(c cid.Cid, val []byte) (bool, error) {
		var r pins.DownloadRecord
		if err := cbor.Unmarshal(val, &r); err != nil {
			return false, err
		}
		return fn(c, r), nil
	})
}

// PurgeRecords deletes up to limit block and download records scoped to
// pinnedBy.
func (tx pinTxn) PurgeRecords(pinnedBy cid.Cid, limit int) (int, error) {
	var keys [][]byte
	for _, prefix := range [][]byte{scopedPrefix(prefixDownloads, pinnedBy), scopedPrefix(prefixBlocks, pinnedBy)} {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := tx.txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < limit; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
	}

	for _, k := range keys {
		if err := tx.txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx pins.Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(pinTxn{txn})
	})
}

// Update runs fn in a read-write transaction. fn may be called more than
// once if the transaction conflicts with a concurrent one.
func (s *Store) Update(fn func(tx pins.Tx) error) error {
	return s.update(func(txn *badger.Txn) error {
		return fn(pinTxn{txn})
	})
}
