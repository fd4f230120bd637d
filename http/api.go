package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"go.sia.tech/jape"
	"go.sia.tech/pinsd/api"
	"go.sia.tech/pinsd/downloader"
	"go.sia.tech/pinsd/ipfs"
	"go.sia.tech/pinsd/pins"
	"go.sia.tech/pinsd/refs"
	"go.uber.org/zap"
)

type (
	// Pins manages pinned DAGs
	Pins interface {
		ActiveDownloads() ([]cid.Cid, error)
		Status(c cid.Cid) (pins.Status, error)
		State(c cid.Cid) (pins.State, error)
		Speed(c cid.Cid, window time.Duration) (float64, error)
		PinLocal(ctx context.Context, root cid.Cid) error
	}

	// A Tracker reference counts pins by key
	Tracker interface {
		Put(ctx context.Context, key string, c cid.Cid, priority uint8) error
		Remove(ctx context.Context, key string) error
		Get(key string) (refs.Reference, error)
	}

	// A Downloader drives the download of active pins
	Downloader interface {
		State() downloader.State
		Pause()
		Resume()
	}

	// An Importer adds local data to the block store
	Importer interface {
		ImportFile(ctx context.Context, r io.Reader, opts ...ipfs.UnixFSOption) (cid.Cid, error)
		ImportCAR(ctx context.Context, r io.Reader) ([]cid.Cid, error)
	}

	apiServer struct {
		pins       Pins
		tracker    Tracker
		downloader Downloader
		importer   Importer
		log        *zap.Logger
	}
)

func decodeCIDParam(jc jape.Context) (cid.Cid, bool) {
	var cidStr string
	if err := jc.DecodeParam("cid", &cidStr); err != nil {
		return cid.Undef, false
	}
	c, err := cid.Parse(cidStr)
	if err != nil {
		jc.Error(err, http.StatusBadRequest)
		return cid.Undef, false
	}
	return c, true
}

// pinLocal pins an imported root and, if key is set, references it. The
// error is written to the response.
func (as *apiServer) pinLocal(jc jape.Context, c cid.Cid, key string, priority uint8) error {
	ctx := jc.Request.Context()
	if err := as.pins.PinLocal(ctx, c); errors.Is(err, pins.ErrMissingBlock) {
		jc.Error(err, http.StatusBadRequest)
		return err
	} else if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return err
	} else if key == "" {
		return nil
	}

	if err := as.tracker.Put(ctx, key, c, priority); err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return err
	}
	return nil
}

func (as *apiServer) handleDownloaderState(jc jape.Context) {
	jc.Encode(as.downloader.State())
}

func (as *apiServer) handleDownloaderPause(jape.Context) {
	as.downloader.Pause()
}

func (as *apiServer) handleDownloaderResume(jape.Context) {
	as.downloader.Resume()
}

func (as *apiServer) handleActivePins(jc jape.Context) {
	active, err := as.pins.ActiveDownloads()
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	} else if active == nil {
		active = []cid.Cid{}
	}
	jc.Encode(active)
}

func (as *apiServer) handlePin(jc jape.Context) {
	c, ok := decodeCIDParam(jc)
	if !ok {
		return
	}

	window := time.Minute
	var windowStr string
	if err := jc.DecodeForm("window", &windowStr); err != nil {
		return
	} else if windowStr != "" {
		d, err := time.ParseDuration(windowStr)
		if err != nil {
			jc.Error(fmt.Errorf("failed to parse window: %w", err), http.StatusBadRequest)
			return
		}
		window = d
	}

	status, err := as.pins.Status(c)
	if errors.Is(err, pins.ErrNoSuchPin) {
		jc.Error(err, http.StatusNotFound)
		return
	} else if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}

	state, err := as.pins.State(c)
	if errors.Is(err, pins.ErrNoSuchPin) {
		jc.Error(err, http.StatusNotFound)
		return
	} else if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}

	speed, err := as.pins.Speed(c, window)
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}

	jc.Encode(api.PinResponse{
		Status: status,
		Size:   state.Size,
		Blocks: state.Blocks,
		Speed:  speed,
	})
}

func (as *apiServer) handlePutReference(jc jape.Context) {
	var key string
	if err := jc.DecodeParam("key", &key); err != nil {
		return
	}
	var req api.ReferenceRequest
	if err := jc.Decode(&req); err != nil {
		return
	} else if req.Priority > refs.MaxPriority {
		jc.Error(fmt.Errorf("priority must be at most %d", refs.MaxPriority), http.StatusBadRequest)
		return
	} else if !req.CID.Defined() {
		jc.Error(errors.New("cid is required"), http.StatusBadRequest)
		return
	}

	if err := as.tracker.Put(jc.Request.Context(), key, req.CID, req.Priority); err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
}

func (as *apiServer) handleGetReference(jc jape.Context) {
	var key string
	if err := jc.DecodeParam("key", &key); err != nil {
		return
	}

	ref, err := as.tracker.Get(key)
	if errors.Is(err, refs.ErrNotFound) {
		jc.Error(err, http.StatusNotFound)
		return
	} else if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
	jc.Encode(api.ReferenceResponse{CID: ref.CID, Priority: ref.Priority})
}

func (as *apiServer) handleDeleteReference(jc jape.Context) {
	var key string
	if err := jc.DecodeParam("key", &key); err != nil {
		return
	}

	if err := as.tracker.Remove(jc.Request.Context(), key); err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
}

// NewAPIHandler returns a new http.Handler that handles requests to the api
func NewAPIHandler(pins Pins, tracker Tracker, dl Downloader, importer Importer, log *zap.Logger) http.Handler {
	as := &apiServer{
		pins:       pins,
		tracker:    tracker,
		downloader: dl,
		importer:   importer,
		log:        log,
	}
	return jape.Mux(map[string]jape.Handler{
		"GET /downloader":         as.handleDownloaderState,
		"POST /downloader/pause":  as.handleDownloaderPause,
		"POST /downloader/resume": as.handleDownloaderResume,

		"GET /pins":      as.handleActivePins,
		"GET /pins/:cid": as.handlePin,

		"PUT /references/:key":    as.handlePutReference,
		"GET /references/:key":    as.handleGetReference,
		"DELETE /references/:key": as.handleDeleteReference,

		"POST /unixfs/upload": as.handleUnixFSUpload,
		"POST /car/upload":    as.handleCARUpload,
	})
}
