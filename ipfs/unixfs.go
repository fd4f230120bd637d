package ipfs

import (
	"context"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/ipld/unixfs/importer/balanced"
	ihelpers "github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

type (
	unixFSOptions struct {
		CIDBuilder cid.Builder
		RawLeaves  bool
		MaxLinks   int
		BlockSize  int64
	}
	// A UnixFSOption sets options for the UnixFS importer
	UnixFSOption func(*unixFSOptions)
)

// UnixFSWithCIDBuilder sets the CID builder for the UnixFS importer
func UnixFSWithCIDBuilder(b cid.Builder) UnixFSOption {
	return func(u *unixFSOptions) {
		u.CIDBuilder = b
	}
}

// UnixFSWithRawLeaves sets the raw leaves option for the UnixFS importer
func UnixFSWithRawLeaves(b bool) UnixFSOption {
	return func(u *unixFSOptions) {
		u.RawLeaves = b
	}
}

// UnixFSWithMaxLinks sets the maximum number of links per block for the UnixFS importer
func UnixFSWithMaxLinks(b int) UnixFSOption {
	return func(u *unixFSOptions) {
		u.MaxLinks = b
	}
}

// UnixFSWithBlockSize sets the block size for the UnixFS importer
func UnixFSWithBlockSize(b int64) UnixFSOption {
	return func(u *unixFSOptions) {
		u.BlockSize = b
	}
}

// ImportFile chunks r into a balanced UnixFS DAG and adds every block to
// dag. The root CID is returned.
func ImportFile(ctx context.Context, dag format.DAGService, r io.Reader, opts ...UnixFSOption) (cid.Cid, error) {
	opt := unixFSOptions{
		CIDBuilder: cid.V1Builder{Codec: uint64(multicodec.DagPb), MhType: multihash.SHA2_256},
		RawLeaves:  true,
		MaxLinks:   ihelpers.DefaultLinksPerBlock,
		BlockSize:  chunker.DefaultBlockSize,
	}
	for _, o := range opts {
		o(&opt)
	}

	params := ihelpers.DagBuilderParams{
		Dagserv:    dag,
		CidBuilder: opt.CIDBuilder,
		RawLeaves:  opt.RawLeaves,
		Maxlinks:   opt.MaxLinks,
	}

	spl := chunker.NewSizeSplitter(r, opt.BlockSize)
	db, err := params.New(spl)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create dag builder: %w", err)
	}

	root, err := balanced.Layout(db)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create balanced layout: %w", err)
	} else if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	return root.Cid(), nil
}

// ImportFile adds a UnixFS file to the local block store without announcing
// it. The returned root can be pinned with the pin manager's PinLocal.
func (n *Node) ImportFile(ctx context.Context, r io.Reader, opts ...UnixFSOption) (cid.Cid, error) {
	return ImportFile(ctx, n.localDAG, r, opts...)
}
