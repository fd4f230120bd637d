package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car/v2"
)

// ImportCAR adds every block of a CARv1 or CARv2 file to bs and returns the
// roots listed in the CAR header.
func ImportCAR(ctx context.Context, bs blockstore.Blockstore, r io.Reader) ([]cid.Cid, error) {
	cr, err := car.NewBlockReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read car header: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read block: %w", err)
		} else if err := bs.Put(ctx, block); err != nil {
			return nil, fmt.Errorf("failed to add block %q: %w", block.Cid(), err)
		}
	}
	return cr.Roots, nil
}

// ImportCAR adds the blocks of a CAR file to the local block store without
// announcing them.
func (n *Node) ImportCAR(ctx context.Context, r io.Reader) ([]cid.Cid, error) {
	return ImportCAR(ctx, n.blockstore, r)
}
