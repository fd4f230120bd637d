package badger

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"go.sia.tech/pinsd/refs"
)

type reference struct {
	CID      []byte `cbor:"1,keyasint"`
	Priority uint8  `cbor:"2,keyasint"`
}

func decodeReference(val []byte) (refs.Reference, error) {
	var r reference
	if err := cbor.Unmarshal(val, &r); err != nil {
		return refs.Reference{}, err
	}
	c, err := cid.Cast(r.CID)
	if err != nil {
		return refs.Reference{}, err
	}
	return refs.Reference{CID: c, Priority: r.Priority}, nil
}

func getReference(txn *badger.Txn, k string) (refs.Reference, error) {
	item, err := txn.Get(key(prefixRefs, k))
	if err == badger.ErrKeyNotFound {
		return refs.Reference{}, refs.ErrNotFound
	} else if err != nil {
		return refs.Reference{}, err
	}

	var ref refs.Reference
	err = item.Value(func(val []byte) (err error) {
		ref, err = decodeReference(val)
		return
	})
	return ref, err
}

// Reference returns the reference of a key
func (s *Store) Reference(k string) (ref refs.Reference, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		ref, err = getReference(txn, k)
		return err
	})
	return
}

// SetReference adds or replaces the reference of a key
func (s *Store) SetReference(k string, ref refs.Reference) error {
	return s.update(func(txn *badger.Txn) error {
		old, err := getReference(txn, k)
		if err == nil && !old.CID.Equals(ref.CID) {
			if err := txn.Delete(key(prefixRefCIDs, old.CID.String(), k)); err != nil {
				return err
			}
		} else if err != nil && err != refs.ErrNotFound {
			return err
		}

		if err := setValue(txn, key(prefixRefs, k), reference{CID: ref.CID.Bytes(), Priority: ref.Priority}); err != nil {
			return err
		}
		return txn.Set(key(prefixRefCIDs, ref.CID.String(), k), nil)
	})
}

// DeleteReference deletes the reference of a key
func (s *Store) DeleteReference(k string) error {
	return s.update(func(txn *badger.Txn) error {
		ref, err := getReference(txn, k)
		if err != nil {
			return err
		} else if err := txn.Delete(key(prefixRefs, k)); err != nil {
			return err
		}
		return txn.Delete(key(prefixRefCIDs, ref.CID.String(), k))
	})
}

// ReferenceKeys returns every key referencing c
func (s *Store) ReferenceKeys(c cid.Cid) (keys []string, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		return scan(txn, append(key(prefixRefCIDs, c.String()), '/'), func(k string, _ []byte) (bool, error) {
			keys = append(keys, k)
			return true, nil
		})
	})
	return
}

// References calls fn for every reference
func (s *Store) References(fn func(k string, ref refs.Reference) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixRefs, func(k string, val []byte) (bool, error) {
			ref, err := decodeReference(val)
			if err != nil {
				return false, err
			}
			return fn(k, ref), nil
		})
	})
}
