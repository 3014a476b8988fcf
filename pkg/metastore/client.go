package metastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Recorder is the write side used by the seal client.
type Recorder interface {
	AddUnlockRecord(ctx context.Context, r UnlockRecord) (UnlockRecord, error)
	PutDocument(ctx context.Context, d Document) (Document, error)
	AddAccessRecord(ctx context.Context, r AccessRecord) (AccessRecord, error)
}

// Local adapts a Store to Recorder.
type Local struct{ Store *Store }

func (l Local) AddUnlockRecord(_ context.Context, r UnlockRecord) (UnlockRecord, error) {
	return l.Store.AddUnlockRecord(r)
}

func (l Local) PutDocument(_ context.Context, d Document) (Document, error) {
	return l.Store.PutDocument(d)
}

func (l Local) AddAccessRecord(_ context.Context, r AccessRecord) (AccessRecord, error) {
	return l.Store.AddAccessRecord(r)
}

// Client talks to a metastore server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client. token is sent as bearer
// on writes and may be empty.
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

// AddUnlockRecord implements Recorder.
func (c *Client) AddUnlockRecord(ctx context.Context, r UnlockRecord) (UnlockRecord, error) {
	var out UnlockRecord
	err := c.do(ctx, http.MethodPost, "/api/unlock-records", r, &out)
	return out, err
}

// PutDocument implements Recorder.
func (c *Client) PutDocument(ctx context.Context, d Document) (Document, error) {
	var out Document
	err := c.do(ctx, http.MethodPost, "/api/documents", d, &out)
	return out, err
}

// AddAccessRecord implements Recorder.
func (c *Client) AddAccessRecord(ctx context.Context, r AccessRecord) (AccessRecord, error) {
	var out AccessRecord
	err := c.do(ctx, http.MethodPost, "/api/access-logs", r, &out)
	return out, err
}

// AccessRecordsByResource lists the attempts on ref.
func (c *Client) AccessRecordsByResource(ctx context.Context, ref string) ([]AccessRecord, error) {
	var out []AccessRecord
	err := c.do(ctx, http.MethodGet, "/api/access-logs/resource/"+url.PathEscape(ref), nil, &out)
	return out, err
}

// AccessCount returns the total and successful attempts
// on ref.
func (c *Client) AccessCount(ctx context.Context, ref string) (total, succeeded int, err error) {
	var out accessCount
	err = c.do(ctx, http.MethodGet, "/api/access-logs/count/"+url.PathEscape(ref), nil, &out)
	return out.Total, out.Succeeded, err
}

// Document fetches a document by id.
func (c *Client) Document(ctx context.Context, id string) (Document, error) {
	var out Document
	err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(id), nil, &out)
	return out, err
}

// UnlockRecordsByBuyer lists the purchases of buyer.
func (c *Client) UnlockRecordsByBuyer(ctx context.Context, buyer string) ([]UnlockRecord, error) {
	var out []UnlockRecord
	err := c.do(ctx, http.MethodGet, "/api/unlock-records/buyer/"+url.PathEscape(buyer), nil, &out)
	return out, err
}

// HasUnlocked asks whether buyer unlocked ref.
func (c *Client) HasUnlocked(ctx context.Context, ref, buyer string) (bool, error) {
	var out struct {
		Unlocked bool `json:"unlocked"`
	}
	err := c.do(ctx, http.MethodGet,
		"/api/unlock-records/check/"+url.PathEscape(ref)+"/"+url.PathEscape(buyer), nil, &out)
	return out.Unlocked, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" && method != http.MethodGet {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorBody
		_ = json.NewDecoder(resp.Body).Decode(&e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Error)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrInvalid, e.Error)
		default:
			return fmt.Errorf("metastore answered %s: %s", resp.Status, e.Error)
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
