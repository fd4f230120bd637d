package badger

import (
	"bytes"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// key prefixes. The record kinds never share a prefix.
var (
	prefixPins      = []byte("pins/")
	prefixBlocks    = []byte("blocks/")
	prefixDownloads = []byte("downloads/")
	prefixRefs      = []byte("refs/")
	prefixRefCIDs   = []byte("refcids/")
	prefixProvide   = []byte("provide/")
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeUnixMicro
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create cbor encoding mode: %v", err)) // should never happen
	}
}

func key(prefix []byte, parts ...string) []byte {
	buf := bytes.NewBuffer(append([]byte(nil), prefix...))
	for i, part := range parts {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(part)
	}
	return buf.Bytes()
}

// scopedPrefix returns the prefix of every key scoped to a pin.
func scopedPrefix(prefix []byte, pinnedBy cid.Cid) []byte {
	return append(key(prefix, pinnedBy.String()), '/')
}

func setValue(txn *badger.Txn, k []byte, v any) error {
	buf, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", k, err)
	}
	return txn.Set(k, buf)
}

// getValue decodes the value of k into v. notFound is returned if the key
// does not exist.
func getValue(txn *badger.Txn, k []byte, v any, notFound error) error {
	item, err := txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return notFound
	} else if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, v)
	})
}

// deleteKey deletes k, returning notFound if it does not exist.
func deleteKey(txn *badger.Txn, k []byte, notFound error) error {
	if _, err := txn.Get(k); err == badger.ErrKeyNotFound {
		return notFound
	} else if err != nil {
		return err
	}
	return txn.Delete(k)
}

// scan calls fn with the suffix and value of every key with the given
// prefix, in key order, until fn returns false.
func scan(txn *badger.Txn, prefix []byte, fn func(suffix string, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		suffix := string(item.Key()[len(prefix):])
		var cont bool
		err := item.Value(func(val []byte) (err error) {
			cont, err = fn(suffix, val)
			return
		})
		if err != nil {
			return err
		} else if !cont {
			return nil
		}
	}
	return nil
}

// scanCIDs is scan for keys ending in a CID.
func scanCIDs(txn *badger.Txn, prefix []byte, fn func(c cid.Cid, val []byte) (bool, error)) error {
	return scan(txn, prefix, func(suffix string, val []byte) (bool, error) {
		c, err := cid.Parse(suffix)
		if err != nil {
			return false, fmt.Errorf("failed to parse cid %q: %w", suffix, err)
		}
		return fn(c, val)
	})
}
