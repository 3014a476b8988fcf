package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxBlobBytes = 64 << 20

type blobObject struct {
	BlobID string `json:"blobId"`
	Size   uint64 `json:"size"`
}

type putResponse struct {
	NewlyCreated *struct {
		BlobObject blobObject `json:"blobObject"`
	} `json:"newlyCreated,omitempty"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified,omitempty"`
}

// Server exposes a Store over HTTP.
type Server struct {
	mux   *http.ServeMux
	store Store
	log   *slog.Logger
}

// NewServer wraps store. A nil logger uses
// slog.Default.
func NewServer(store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mux: http.NewServeMux(), store: store, log: logger}
	s.mux.HandleFunc("PUT /v1/blobs", s.handlePut)
	s.mux.HandleFunc("GET /v1/blobs/{id}", s.handleGet)
	s.mux.HandleFunc("HEAD /v1/blobs/{id}", s.handleHead)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	epochs := uint64(0)
	if v := r.URL.Query().Get("epochs"); v != "" {
		var err error
		if epochs, err = strconv.ParseUint(v, 10, 32); err != nil {
			http.Error(w, "invalid epochs", http.StatusBadRequest)
			return
		}
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	res, err := s.store.Put(r.Context(), data, uint32(epochs))
	if err != nil {
		s.log.Error("failed to store blob", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var out putResponse
	if res.AlreadyCertified {
		out.AlreadyCertified = &struct {
			BlobID string `json:"blobId"`
		}{BlobID: res.BlobID}
	} else {
		out.NewlyCreated = &struct {
			BlobObject blobObject `json:"blobObject"`
		}{BlobObject: blobObject{BlobID: res.BlobID, Size: uint64(len(data))}}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("failed to load blob", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to load blob info", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Blob-Size", strconv.FormatUint(info.Size, 10))
	w.Header().Set("X-Blob-Epochs", strconv.FormatUint(uint64(info.Epochs), 10))
	w.Header().Set("X-Blob-Created-At", info.CreatedAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
}

// Client is a Store backed by a publisher and an
// aggregator endpoint, which may be the same server.
type Client struct {
	publisher  string
	aggregator string
	http       *http.Client
}

// NewClient returns a remote Store.
func NewClient(publisherURL, aggregatorURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		publisher:  strings.TrimRight(publisherURL, "/"),
		aggregator: strings.TrimRight(aggregatorURL, "/"),
		http:       hc,
	}
}

// Put implements Store.
func (c *Client) Put(ctx context.Context, data []byte, epochs uint32) (PutResult, error) {
	url := c.publisher + "/v1/blobs"
	if epochs > 0 {
		url += "?epochs=" + strconv.FormatUint(uint64(epochs), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return PutResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return PutResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PutResult{}, fmt.Errorf("publisher answered %s", resp.Status)
	}

	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PutResult{}, fmt.Errorf("decode publisher response: %w", err)
	}
	switch {
	case out.NewlyCreated != nil:
		return PutResult{BlobID: out.NewlyCreated.BlobObject.BlobID}, nil
	case out.AlreadyCertified != nil:
		return PutResult{BlobID: out.AlreadyCertified.BlobID, AlreadyCertified: true}, nil
	default:
		return PutResult{}, errors.New("publisher response carries no blob id")
	}
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, blobID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, blobID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
}

// Info implements Store.
func (c *Client) Info(ctx context.Context, blobID string) (Info, error) {
	resp, err := c.do(ctx, http.MethodHead, blobID)
	if err != nil {
		return Info{}, err
	}
	resp.Body.Close()

	info := Info{BlobID: blobID}
	info.Size, _ = strconv.ParseUint(resp.Header.Get("X-Blob-Size"), 10, 64)
	epochs, _ := strconv.ParseUint(resp.Header.Get("X-Blob-Epochs"), 10, 32)
	info.Epochs = uint32(epochs)
	info.CreatedAt, _ = time.Parse(time.RFC3339, resp.Header.Get("X-Blob-Created-At"))
	return info, nil
}

// URL returns the aggregator address of blobID.
func (c *Client) URL(blobID string) string {
	return c.aggregator + "/v1/blobs/" + blobID
}

func (c *Client) do(ctx context.Context, method, blobID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(blobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("aggregator answered %s", resp.Status)
	}
}
