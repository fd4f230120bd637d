package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"go.sia.tech/jape"
	"go.sia.tech/pinsd/downloader"
)

// A Client is a client for the pinsd API.
type Client struct {
	c jape.Client
}

// DownloaderState returns the state of the downloader.
func (c *Client) DownloaderState() (state downloader.State, err error) {
	err = c.c.GET("/downloader", &state)
	return
}

// PauseDownloader stops the downloader from starting new fetches.
func (c *Client) PauseDownloader() error {
	return c.c.POST("/downloader/pause", nil, nil)
}

// ResumeDownloader resumes a paused downloader.
func (c *Client) ResumeDownloader() error {
	return c.c.POST("/downloader/resume", nil, nil)
}

// ActivePins returns every pin that is still downloading.
func (c *Client) ActivePins() (active []cid.Cid, err error) {
	err = c.c.GET("/pins", &active)
	return
}

// Pin returns the status of a pin. The speed is averaged over window.
func (c *Client) Pin(root cid.Cid, window time.Duration) (resp PinResponse, err error) {
	values := url.Values{}
	values.Set("window", window.String())
	err = c.c.GET(fmt.Sprintf("/pins/%s?%s", root, values.Encode()), &resp)
	return
}

// PutReference points key at root, pinning it.
func (c *Client) PutReference(key string, root cid.Cid, priority uint8) error {
	return c.c.PUT("/references/"+key, ReferenceRequest{CID: root, Priority: priority})
}

// Reference returns the reference of key.
func (c *Client) Reference(key string) (resp ReferenceResponse, err error) {
	err = c.c.GET("/references/"+key, &resp)
	return
}

// DeleteReference removes the reference of key.
func (c *Client) DeleteReference(key string) error {
	return c.c.DELETE("/references/" + key)
}

// upload posts a raw request body and decodes the JSON response.
func (c *Client) upload(route string, values url.Values, r io.Reader, resp any) error {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s%s?%s", c.c.BaseURL, route, values.Encode()), r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth("", c.c.Password)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		return errors.New(strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(res.Body).Decode(resp)
}

func referenceValues(key string, priority uint8) url.Values {
	values := url.Values{}
	if key != "" {
		values.Set("key", key)
		values.Set("priority", strconv.Itoa(int(priority)))
	}
	return values
}

// UploadFile imports r as a UnixFS file and pins it. If key is not empty
// the pin is referenced by key.
func (c *Client) UploadFile(r io.Reader, key string, priority uint8) (root cid.Cid, err error) {
	err = c.upload("/unixfs/upload", referenceValues(key, priority), r, &root)
	return
}

// UploadCAR imports the blocks of a CAR file and pins its roots. A key
// requires the CAR to have a single root.
func (c *Client) UploadCAR(r io.Reader, key string, priority uint8) (roots []cid.Cid, err error) {
	err = c.upload("/car/upload", referenceValues(key, priority), r, &roots)
	return
}

// NewClient creates a new pinsd API client.
func NewClient(address, password string) *Client {
	return &Client{c: jape.Client{BaseURL: address, Password: password}}
}
