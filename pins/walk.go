package pins

import (
	"fmt"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multihash"
)

// Links returns the CIDs linked from a block encoded with the given codec.
// Raw blocks have no links. Any codec other than raw, dag-pb and dag-cbor
// returns ErrUnsupportedCodec.
func Links(codec uint64, data []byte) ([]cid.Cid, error) {
	var links []*format.Link
	switch codec {
	case cid.Raw:
		return nil, nil
	case cid.DagProtobuf:
		node, err := merkledag.DecodeProtobuf(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode dag-pb node: %w", err)
		}
		links = node.Links()
	case cid.DagCBOR:
		// the hash is only used to compute the node's own CID
		node, err := cbornode.Decode(data, multihash.SHA2_256, -1)
		if err != nil {
			return nil, fmt.Errorf("failed to decode dag-cbor node: %w", err)
		}
		links = node.Links()
	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnsupportedCodec, codec)
	}

	cids := make([]cid.Cid, 0, len(links))
	for _, link := range links {
		cids = append(cids, link.Cid)
	}
	return cids, nil
}
