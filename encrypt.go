package seal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
)

// Published describes an uploaded ciphertext.
type Published struct {
	BlobID string
	ID     identifier.ID
	// URL is set when the blob store can name a public
	// address for the blob.
	URL string
}

type urlNamer interface {
	URL(blobID string) string
}

// Encrypt binds plaintext to policyObjectID, encrypts it
// under the custodian set and uploads the ciphertext.
// The upload is not retried.
func (c *Client) Encrypt( // A
	ctx context.Context,
	plaintext []byte,
	policyObjectID identifier.ObjectID,
) (Published, error) {
	done, err := c.begin()
	if err != nil {
		return Published{}, err
	}
	defer done()
	if policyObjectID.IsZero() {
		return Published{}, fmt.Errorf("%w: zero policy object id", sealerr.ErrEncryptionFailed)
	}
	id, err := identifier.New(policyObjectID)
	if err != nil {
		return Published{}, fmt.Errorf("%w: %v", sealerr.ErrEncryptionFailed, err)
	}

	env, err := c.encrypter.Encrypt(id, c.encoder.EncodeAll(plaintext, nil))
	if err != nil {
		return Published{}, err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return Published{}, fmt.Errorf("%w: %v", sealerr.ErrEncryptionFailed, err)
	}

	res, err := c.blobs.Put(ctx, data, c.config.Blob.Epochs)
	if err != nil {
		return Published{}, fmt.Errorf("%w: %v", sealerr.ErrStorageUnavailable, err)
	}
	pub := Published{BlobID: res.BlobID, ID: id}
	if n, ok := c.blobs.(urlNamer); ok {
		pub.URL = n.URL(res.BlobID)
	}
	c.log.Debug("encrypted object", "blob", res.BlobID, "id", id.Hex(), "size", len(data))
	return pub, nil
}

// EncryptJSON marshals v and encrypts the result.
func (c *Client) EncryptJSON(
	ctx context.Context,
	v any,
	policyObjectID identifier.ObjectID,
) (Published, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Published{}, fmt.Errorf("%w: %v", sealerr.ErrEncryptionFailed, err)
	}
	return c.Encrypt(ctx, raw, policyObjectID)
}

// PublishOptions describe a document for the
// metastore.
type PublishOptions struct {
	Owner identifier.Address
	Price uint64
}

// Publish encrypts plaintext under p and records a
// metastore document for it. Without a metastore it is
// Encrypt. A metastore failure is returned together with
// the valid Published value: the ciphertext is stored
// either way.
func (c *Client) Publish(
	ctx context.Context,
	plaintext []byte,
	p policy.Policy,
	opts PublishOptions,
) (Published, metastore.Document, error) {
	if err := policy.Validate(p); err != nil {
		return Published{}, metastore.Document{}, fmt.Errorf("%w: %v", sealerr.ErrEncryptionFailed, err)
	}
	pub, err := c.Encrypt(ctx, plaintext, p.ObjectID())
	if err != nil || c.meta == nil {
		return pub, metastore.Document{}, err
	}

	mode := metastore.ModeAllowlist
	if p.Kind() == policy.KindSubscription {
		mode = metastore.ModeSubscription
	}
	doc, err := c.meta.PutDocument(ctx, metastore.Document{
		Owner:          opts.Owner.Hex(),
		BlobID:         pub.BlobID,
		EncryptionID:   pub.ID.Hex(),
		PolicyObjectID: p.ObjectID().Hex(),
		Mode:           mode,
		Price:          opts.Price,
	})
	if err != nil {
		c.log.Warn("failed to record document", "blob", pub.BlobID, "error", err)
		return pub, metastore.Document{}, fmt.Errorf("record document: %w", err)
	}
	return pub, doc, nil
}
