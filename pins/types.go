package pins

import (
	"context"
	"errors"
	"fmt"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Pin statuses
const (
	StatusDownloading Status = iota + 1
	StatusUploading
	StatusCompleted
	StatusDestroyed
)

var (
	// ErrNotFound is returned by a Store when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoSuchPin is returned when an operation references a CID that is
	// not pinned.
	ErrNoSuchPin = errors.New("no such pin")
	// ErrMissingBlock is returned by PinLocal when a block reachable from the
	// root is not in the local block store.
	ErrMissingBlock = errors.New("missing block")
	// ErrUnsupportedCodec is returned when links cannot be extracted from a
	// block because its codec is unknown.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

type (
	// Status is the lifecycle state of a pin.
	Status uint8

	// A PinRecord tracks a root CID the node has committed to retaining.
	PinRecord struct {
		Status Status `cbor:"1,keyasint"`
		// Depth is the maximum DAG depth to fetch. Nil means unbounded.
		Depth *uint64 `cbor:"2,keyasint,omitempty"`
	}

	// A BlockRecord is a block that has been fetched and stored for a pin.
	BlockRecord struct {
		Size      uint64    `cbor:"1,keyasint"`
		Depth     uint64    `cbor:"2,keyasint"`
		Timestamp time.Time `cbor:"3,keyasint"`
	}

	// A DownloadRecord is a block on a pin's fetch frontier: known to be part
	// of the pin's DAG but not yet fetched.
	DownloadRecord struct {
		Depth uint64 `cbor:"1,keyasint"`
	}

	// A Head is a DownloadRecord together with the block it refers to.
	Head struct {
		CID   cid.Cid `json:"cid"`
		Depth uint64  `json:"depth"`
	}

	// State summarizes the blocks stored for a pin.
	State struct {
		Size   uint64 `json:"size"`
		Blocks uint64 `json:"blocks"`
	}

	// Tx is a read/write view of the pin store. All reads and writes made
	// through a Tx passed to Store.Update are committed atomically.
	Tx interface {
		Pin(c cid.Cid) (PinRecord, error)
		SetPin(c cid.Cid, r PinRecord) error
		DeletePin(c cid.Cid) error
		// Pins calls fn for every pin record. Iteration stops when fn
		// returns false.
		Pins(fn func(c cid.Cid, r PinRecord) bool) error

		Block(pinnedBy, c cid.Cid) (BlockRecord, error)
		AddBlock(pinnedBy, c cid.Cid, r BlockRecord) error
		// Blocks calls fn for every block record of a pin.
		Blocks(pinnedBy cid.Cid, fn func(c cid.Cid, r BlockRecord) bool) error

		Download(pinnedBy, c cid.Cid) (DownloadRecord, error)
		AddDownload(pinnedBy, c cid.Cid, r DownloadRecord) error
		DeleteDownload(pinnedBy, c cid.Cid) error
		// Downloads calls fn for every download record of a pin in key
		// order.
		Downloads(pinnedBy cid.Cid, fn func(c cid.Cid, r DownloadRecord) bool) error

		// PurgeRecords deletes up to limit block and download records
		// pinned by c and returns the number deleted.
		PurgeRecords(pinnedBy cid.Cid, limit int) (int, error)
	}

	// A Store persists pin, block and download records.
	Store interface {
		View(fn func(tx Tx) error) error
		Update(fn func(tx Tx) error) error
	}

	// A BlockStore is the local block store. It never goes to the network.
	BlockStore interface {
		Has(ctx context.Context, c cid.Cid) (bool, error)
		Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
		Put(ctx context.Context, b blocks.Block) error
	}

	// A BlockGetter fetches blocks from the network.
	BlockGetter interface {
		GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error)
	}

	// A Provider advertises CIDs held by this node. Withdrawing a CID that
	// was never advertised is not an error.
	Provider interface {
		Provide(ctx context.Context, c cid.Cid) error
		Withdraw(ctx context.Context, c cid.Cid) error
	}
)

// String implements fmt.Stringer
func (s Status) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusUploading:
		return "uploading"
	case StatusCompleted:
		return "completed"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	if s < StatusDownloading || s > StatusDestroyed {
		return nil, fmt.Errorf("invalid status %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "downloading":
		*s = StatusDownloading
	case "uploading":
		*s = StatusUploading
	case "completed":
		*s = StatusCompleted
	case "destroyed":
		*s = StatusDestroyed
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}
