package http

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"

	chunker "github.com/ipfs/boxo/chunker"
	ihelpers "github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"go.sia.tech/jape"
	"go.sia.tech/pinsd/ipfs"
	"go.uber.org/zap"
)

func parseUnixFSOptions(jc jape.Context) ([]ipfs.UnixFSOption, bool) {
	cidVersion := 1
	if err := jc.DecodeForm("version", &cidVersion); err != nil {
		return nil, false
	}

	var opts []ipfs.UnixFSOption
	rawLeaves := true
	switch cidVersion {
	case 0:
		opts = append(opts, ipfs.UnixFSWithCIDBuilder(cid.V0Builder{}))
		rawLeaves = false
	case 1:
		opts = append(opts, ipfs.UnixFSWithCIDBuilder(cid.V1Builder{Codec: uint64(multicodec.DagPb), MhType: multihash.SHA2_256}))
	default:
		jc.Error(fmt.Errorf("unsupported CID version: %d", cidVersion), http.StatusBadRequest)
		return nil, false
	}

	maxLinks := ihelpers.DefaultLinksPerBlock
	blockSize := int64(chunker.DefaultBlockSize)
	if err := jc.DecodeForm("rawLeaves", &rawLeaves); err != nil {
		return nil, false
	} else if err := jc.DecodeForm("maxLinks", &maxLinks); err != nil {
		return nil, false
	} else if err := jc.DecodeForm("blockSize", &blockSize); err != nil {
		return nil, false
	}
	return append(opts,
		ipfs.UnixFSWithRawLeaves(rawLeaves),
		ipfs.UnixFSWithMaxLinks(maxLinks),
		ipfs.UnixFSWithBlockSize(blockSize),
	), true
}

// parseReference reads the optional key and priority a pinned upload is
// referenced by.
func parseReference(jc jape.Context) (key string, priority uint8, ok bool) {
	if err := jc.DecodeForm("key", &key); err != nil {
		return "", 0, false
	} else if err := jc.DecodeForm("priority", &priority); err != nil {
		return "", 0, false
	}
	return key, priority, true
}

func (as *apiServer) handleUnixFSUpload(jc jape.Context) {
	ctx := jc.Request.Context()

	body := jc.Request.Body
	defer body.Close()

	opts, ok := parseUnixFSOptions(jc)
	if !ok {
		return // error already handled
	}
	key, priority, ok := parseReference(jc)
	if !ok {
		return
	}

	br := bufio.NewReaderSize(body, 4<<20) // 4 MiB
	c, err := as.importer.ImportFile(ctx, br, opts...)
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	} else if err := as.pinLocal(jc, c, key, priority); err != nil {
		return
	}
	as.log.Info("imported file", zap.Stringer("cid", c), zap.String("key", key))

	// return the root cid
	jc.Encode(c)
}

func (as *apiServer) handleCARUpload(jc jape.Context) {
	ctx := jc.Request.Context()

	body := jc.Request.Body
	defer body.Close()

	key, priority, ok := parseReference(jc)
	if !ok {
		return
	}

	roots, err := as.importer.ImportCAR(ctx, bufio.NewReaderSize(body, 4<<20))
	if err != nil {
		jc.Error(err, http.StatusBadRequest)
		return
	} else if key != "" && len(roots) != 1 {
		jc.Error(errors.New("a referenced CAR must have exactly one root"), http.StatusBadRequest)
		return
	}

	for _, root := range roots {
		if err := as.pinLocal(jc, root, key, priority); err != nil {
			return
		}
	}
	as.log.Info("imported car", zap.Int("roots", len(roots)), zap.String("key", key))
	jc.Encode(roots)
}
