package custodian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/session"
)

// ErrUnavailable marks transport failures and 5xx
// answers. The share is treated as missing.
var ErrUnavailable = errors.New("custodian: unavailable")

// HTTPClient talks to a remote custodian Server.
type HTTPClient struct {
	id      identifier.ObjectID
	baseURL string
	http    *http.Client
}

// NewHTTPClient returns a Fetcher for the custodian
// with the given id served at baseURL.
func NewHTTPClient(id identifier.ObjectID, baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{id: id, baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// ID implements Fetcher.
func (c *HTTPClient) ID() identifier.ObjectID { return c.id }

// Info fetches the custodian's public description.
func (c *HTTPClient) Info(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/service", nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Info{}, decodeError(resp)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("decode service info: %w", err)
	}
	return info, nil
}

// FetchShares implements Fetcher.
func (c *HTTPClient) FetchShares(ctx context.Context, r Request) (Response, error) {
	body := fetchRequest{
		Certificate:  r.Certificate,
		RequestToken: r.Token,
		Proof:        r.Proof,
		Items:        make([]fetchItem, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		body.Items = append(body.Items, fetchItem{ID: it.ID.Hex(), SealedShare: it.Sealed})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/fetch_key", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, decodeError(resp)
	}
	var out fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(out.Shares) != len(r.Items) {
		return Response{}, fmt.Errorf("%w: got %d shares for %d items", ErrUnavailable, len(out.Shares), len(r.Items))
	}
	return Response{Shares: out.Shares}, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	switch e.Error {
	case CodeNoAccess:
		return fmt.Errorf("%w: %s", sealerr.ErrNoAccess, e.Message)
	case CodeCredentialExpired:
		return fmt.Errorf("%w: %s", sealerr.ErrCredentialExpired, e.Message)
	case CodeInvalidCredential:
		return fmt.Errorf("%w: %s", session.ErrInvalidToken, e.Message)
	case CodeBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, e.Message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, e.Message)
	}
}
