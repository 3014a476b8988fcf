package seal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/custodian"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/proof"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/session"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	workerpool "github.com/i5heu/ouroboros-seal/pkg/workerPool"
)

// BatchResult is the outcome for one blob of
// DecryptBatch.
type BatchResult struct {
	BlobID    string
	ID        identifier.ID
	Plaintext []byte
	Err       error
}

// Decrypt downloads blobID and decrypts it as the holder
// of cred under policy p. The credential is checked
// before any network call.
func (c *Client) Decrypt( // A
	ctx context.Context,
	blobID string,
	cred *session.Credential,
	p policy.Policy,
) (plain []byte, err error) {
	done, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if err := c.precheck(cred, p); err != nil {
		return nil, err
	}
	defer func() { c.recordAccess(ctx, cred, blobID, err) }()

	env, err := c.download(ctx, blobID, p)
	if err != nil {
		return nil, err
	}
	shares, err := c.fetchShares(ctx, cred, p, []*envelope.Envelope{env})
	if err != nil {
		return nil, err
	}
	return c.open(env, shares[env.ID])
}

// DecryptJSON decrypts blobID into v.
func (c *Client) DecryptJSON(
	ctx context.Context,
	blobID string,
	cred *session.Credential,
	p policy.Policy,
	v any,
) error {
	plain, err := c.Decrypt(ctx, blobID, cred, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", sealerr.ErrDecodeError, err)
	}
	return nil
}

// DecryptBatch decrypts many blobs under one policy in
// chunks of Config.BatchSize. Each chunk is downloaded
// concurrently and then approved with one access proof,
// so every custodian is asked once per chunk. Per blob
// failures land in BatchResult.Err. An access denial or
// credential error aborts the whole batch.
func (c *Client) DecryptBatch( // A
	ctx context.Context,
	blobIDs []string,
	cred *session.Credential,
	p policy.Policy,
) ([]BatchResult, error) {
	done, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if err := c.precheck(cred, p); err != nil {
		return nil, err
	}

	results := make([]BatchResult, len(blobIDs))
	for i, blobID := range blobIDs {
		results[i].BlobID = blobID
	}
	var abort error
	defer func() {
		for _, r := range results {
			switch {
			case r.Err != nil:
				c.recordAccess(ctx, cred, r.BlobID, r.Err)
			case r.Plaintext != nil:
				c.recordAccess(ctx, cred, r.BlobID, nil)
			case abort != nil:
				c.recordAccess(ctx, cred, r.BlobID, abort)
			}
		}
	}()

	for start := 0; start < len(blobIDs); start += c.config.BatchSize {
		end := min(start+c.config.BatchSize, len(blobIDs))
		if abort = c.decryptChunk(ctx, cred, p, results[start:end]); abort != nil {
			return results, abort
		}
	}
	return results, nil
}

// decryptChunk fills chunk in place. It returns an error
// only when the whole batch must stop.
func (c *Client) decryptChunk(
	ctx context.Context,
	cred *session.Credential,
	p policy.Policy,
	chunk []BatchResult,
) error {
	type downloaded struct {
		index int
		env   *envelope.Envelope
		err   error
	}
	room := workerpool.NewRoom[downloaded](c.pool, len(chunk))
	for i := range chunk {
		blobID := chunk[i].BlobID
		err := goRoom(room, func() downloaded {
			env, err := c.download(ctx, blobID, p)
			return downloaded{index: i, env: env, err: err}
		})
		if err != nil {
			room.Collect()
			return err
		}
	}

	envs := make([]*envelope.Envelope, len(chunk))
	for _, d := range room.Collect() {
		if d.err != nil {
			chunk[d.index].Err = d.err
			continue
		}
		chunk[d.index].ID = d.env.ID
		envs[d.index] = d.env
	}

	pending := make([]*envelope.Envelope, 0, len(envs))
	for _, env := range envs {
		if env != nil {
			pending = append(pending, env)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	shares, err := c.fetchShares(ctx, cred, p, pending)
	if err != nil {
		if abortsBatch(err) {
			return err
		}
		for i, env := range envs {
			if env != nil {
				chunk[i].Err = err
			}
		}
		return nil
	}
	for i, env := range envs {
		if env != nil {
			chunk[i].Plaintext, chunk[i].Err = c.open(env, shares[env.ID])
		}
	}
	return nil
}

// abortsBatch reports whether err is final for every
// remaining id: the request itself was refused, not one
// custodian or one blob.
func abortsBatch(err error) bool {
	return errors.Is(err, sealerr.ErrNoAccess) ||
		errors.Is(err, sealerr.ErrCredentialExpired) ||
		errors.Is(err, sealerr.ErrCredentialUnsigned) ||
		errors.Is(err, session.ErrInvalidToken) ||
		errors.Is(err, session.ErrInvalidSignature) ||
		errors.Is(err, session.ErrInvalidTTL) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// recordAccess logs one decrypt attempt to the
// metastore when enabled. Failures to record are only
// logged.
func (c *Client) recordAccess(ctx context.Context, cred *session.Credential, blobID string, err error) {
	if c.meta == nil || !c.config.Metastore.AccessLog {
		return
	}
	r := metastore.AccessRecord{
		ResourceRef: blobID,
		Accessor:    cred.Address().Hex(),
		AccessType:  metastore.AccessDecrypt,
		Success:     err == nil,
	}
	if err != nil {
		r.Error = err.Error()
	}
	if _, rerr := c.meta.AddAccessRecord(context.WithoutCancel(ctx), r); rerr != nil {
		c.log.Warn("failed to record access", "blob", blobID, "error", rerr)
	}
}

func (c *Client) precheck(cred *session.Credential, p policy.Policy) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if cred == nil {
		return sealerr.ErrCredentialUnsigned
	}
	if err := cred.Validate(c.clock.Now()); err != nil {
		return err
	}
	if cred.Scope() != c.pkg {
		return fmt.Errorf("credential scoped to %s, client package is %s", cred.Scope(), c.pkg)
	}
	return policy.Validate(p)
}

// download fetches and parses one envelope and checks
// that it is bound to p.
func (c *Client) download(ctx context.Context, blobID string, p policy.Policy) (*envelope.Envelope, error) {
	data, err := c.blobs.Get(ctx, blobID)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", sealerr.ErrStorageUnavailable, blobID, err)
	}
	env, err := envelope.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", sealerr.ErrDecodeError, blobID, err)
	}
	if !env.ID.HasPrefix(p.ObjectID()) {
		return nil, fmt.Errorf("blob %s bound to %s: %w", blobID, env.ID.PolicyObjectID(), sealerr.ErrPolicyMismatch)
	}
	return env, nil
}

func (c *Client) open(env *envelope.Envelope, shares []threshold.Share) ([]byte, error) {
	compressed, err := threshold.Decrypt(env, shares)
	if err != nil {
		return nil, err
	}
	plain, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", sealerr.ErrDecodeError, err)
	}
	return plain, nil
}

type fetched struct {
	custodian identifier.ObjectID
	items     []identifier.ID
	resp      custodian.Response
	err       error
}

// fetchShares asks every custodian for its shares of
// envs under one access proof and returns the opened
// shares per id. Unreachable custodians only reduce the
// share count; a denial from any custodian is final.
func (c *Client) fetchShares( // PA
	ctx context.Context,
	cred *session.Credential,
	p policy.Policy,
	envs []*envelope.Envelope,
) (map[identifier.ID][]threshold.Share, error) {
	ids := make([]identifier.ID, 0, len(envs))
	for _, env := range envs {
		ids = append(ids, env.ID)
	}
	tx, err := c.proofs.Batch(p, ids)
	if err != nil {
		return nil, err
	}
	encoded, err := proof.Encode(tx)
	if err != nil {
		return nil, err
	}
	cert, err := cred.Certificate()
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	room := workerpool.NewRoom[fetched](c.pool, len(c.custodians))
	for _, ep := range c.custodians {
		req := custodian.Request{Certificate: cert, Proof: encoded}
		var items []identifier.ID
		for _, env := range envs {
			sealed, ok := env.ShareFor(ep.Fetcher.ID())
			if !ok {
				continue
			}
			req.Items = append(req.Items, custodian.Item{ID: env.ID, Sealed: sealed.Sealed})
			items = append(items, env.ID)
		}
		if len(req.Items) == 0 {
			continue
		}
		token, err := cred.SignRequest(encoded, custodian.Audience(ep.Fetcher.ID()), now)
		if err != nil {
			return nil, err
		}
		req.Token = token

		err = goRoom(room, func() fetched {
			resp, err := ep.Fetcher.FetchShares(ctx, req)
			return fetched{custodian: ep.Fetcher.ID(), items: items, resp: resp, err: err}
		})
		if err != nil {
			room.Collect()
			return nil, err
		}
	}

	out := make(map[identifier.ID][]threshold.Share, len(envs))
	var fatal error
	for _, f := range room.Collect() {
		if f.err != nil {
			if fatal == nil && abortsBatch(f.err) {
				fatal = f.err
			}
			c.log.Warn("custodian request failed", "custodian", f.custodian.Hex(), "error", f.err)
			continue
		}
		if len(f.resp.Shares) != len(f.items) {
			c.log.Warn("custodian returned wrong share count", "custodian", f.custodian.Hex())
			continue
		}
		for i, id := range f.items {
			s, err := cred.OpenShare(id, f.resp.Shares[i])
			if err != nil {
				c.log.Warn("discarding unreadable share", "custodian", f.custodian.Hex(), "error", err)
				continue
			}
			out[id] = append(out[id], s)
		}
	}
	if fatal != nil {
		if errors.Is(fatal, sealerr.ErrNoAccess) {
			return nil, fatal
		}
		return nil, fmt.Errorf("custodian rejected request: %w", fatal)
	}
	return out, nil
}
