// Package custodian is the key custodian service: it
// holds one share key, checks a viewer's credential and
// access proof against the ledger and, only when the
// proof executes cleanly, reseals the requested shares
// to the viewer's session key.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/proof"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/session"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
)

// ErrBadRequest marks malformed requests.
var ErrBadRequest = errors.New("custodian: bad request")

// Item asks for the share of one encryption id.
type Item struct {
	ID     identifier.ID
	Sealed []byte
}

// Request is a share request for one access proof.
type Request struct {
	Certificate session.Certificate
	Token       string
	Proof       []byte
	Items       []Item
}

// Response holds the resealed shares aligned with
// Request.Items.
type Response struct {
	Shares [][]byte
}

// Info describes a custodian to clients.
type Info struct {
	ID        identifier.ObjectID `json:"id"`
	PublicKey threshold.PublicKey `json:"public_key"`
}

// Fetcher is the client side view of a custodian,
// in-process or remote.
type Fetcher interface {
	ID() identifier.ObjectID
	FetchShares(ctx context.Context, req Request) (Response, error)
}

// Config configures a Custodian.
type Config struct {
	ID      identifier.ObjectID
	Key     *threshold.KeyPair
	Package identifier.ObjectID
	Ledger  chain.Ledger
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Custodian is the service core. It is safe for
// concurrent use.
type Custodian struct {
	id       identifier.ObjectID
	key      *threshold.KeyPair
	pkg      identifier.ObjectID
	ledger   chain.Ledger
	clock    clock.Clock
	log      *slog.Logger
	audience string
}

// New validates cfg and returns a Custodian.
func New(cfg Config) (*Custodian, error) { // A
	if cfg.ID.IsZero() {
		return nil, errors.New("custodian id must not be zero")
	}
	if cfg.Key == nil {
		return nil, errors.New("custodian key must not be nil")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("ledger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Custodian{
		id:       cfg.ID,
		key:      cfg.Key,
		pkg:      cfg.Package,
		ledger:   cfg.Ledger,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("custodian", cfg.ID.Hex()),
		audience: Audience(cfg.ID),
	}, nil
}

// Audience is the request token audience of custodian
// id.
func Audience(id identifier.ObjectID) string { // A
	return id.Hex()
}

// ID implements Fetcher.
func (c *Custodian) ID() identifier.ObjectID { return c.id } // A

// Info returns the public description.
func (c *Custodian) Info() Info { // A
	return Info{ID: c.id, PublicKey: c.key.Public}
}

// FetchShares implements Fetcher.
func (c *Custodian) FetchShares( // A
	ctx context.Context,
	req Request,
) (Response, error) {
	now := c.clock.Now()
	if _, err := session.VerifyRequest(req.Token, req.Certificate, req.Proof, c.audience, now); err != nil {
		c.log.Info("rejected credential", "error", err)
		return Response{}, err
	}
	if req.Certificate.Scope != c.pkg {
		return Response{}, fmt.Errorf("%w: credential scoped to %s", ErrBadRequest, req.Certificate.Scope)
	}
	if len(req.Items) == 0 {
		return Response{}, fmt.Errorf("%w: no items", ErrBadRequest)
	}

	tx, err := proof.Decode(req.Proof)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	approved, err := c.approvedIDs(tx)
	if err != nil {
		return Response{}, err
	}
	for _, it := range req.Items {
		if _, ok := approved[it.ID]; !ok {
			return Response{}, fmt.Errorf("%w: id %s not covered by proof", ErrBadRequest, it.ID)
		}
	}

	sender, err := req.Certificate.Address()
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := c.ledger.DryRun(ctx, sender, tx); err != nil {
		var abort *chain.AbortError
		if errors.As(err, &abort) || errors.Is(err, chain.ErrObjectNotFound) {
			c.log.Info("access denied", "sender", sender.Hex(), "error", err)
			return Response{}, fmt.Errorf("%w: %v", sealerr.ErrNoAccess, err)
		}
		return Response{}, fmt.Errorf("dry run: %w", err)
	}

	resp := Response{Shares: make([][]byte, 0, len(req.Items))}
	for _, it := range req.Items {
		box, err := threshold.Reseal(c.key, it.ID, it.Sealed, req.Certificate.EncryptionKey)
		if err != nil {
			return Response{}, fmt.Errorf("%w: share for %s: %v", ErrBadRequest, it.ID, err)
		}
		resp.Shares = append(resp.Shares, box)
	}
	c.log.Debug("released shares", "sender", sender.Hex(), "count", len(resp.Shares))
	return resp, nil
}

// approvedIDs checks that every call is a seal_approve
// of the configured package.
func (c *Custodian) approvedIDs(tx chain.Transaction) (map[identifier.ID]struct{}, error) { // A
	for i, call := range tx.Calls {
		if call.Package != c.pkg {
			return nil, fmt.Errorf("%w: call %d targets package %s", ErrBadRequest, i, call.Package)
		}
	}
	ids, err := proof.IDs(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	out := make(map[identifier.ID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
