// Package api contains the request and response types of the pinsd HTTP
// API and a client for it.
package api

import (
	"github.com/ipfs/go-cid"
	"go.sia.tech/pinsd/pins"
)

type (
	// PinResponse is the response of GET /pins/:cid
	PinResponse struct {
		Status pins.Status `json:"status"`
		Size   uint64      `json:"size"`
		Blocks uint64      `json:"blocks"`
		// Speed is the average download rate over the requested window in
		// bytes per millisecond.
		Speed float64 `json:"speed"`
	}

	// ReferenceRequest is the request body of PUT /references/:key
	ReferenceRequest struct {
		CID      cid.Cid `json:"cid"`
		Priority uint8   `json:"priority"`
	}

	// ReferenceResponse is the response of GET /references/:key
	ReferenceResponse struct {
		CID      cid.Cid `json:"cid"`
		Priority uint8   `json:"priority"`
	}
)
