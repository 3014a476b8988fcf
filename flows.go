package seal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/retry"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
)

// AllowlistRef names a created allowlist and its admin
// capability.
type AllowlistRef struct {
	ID    identifier.ObjectID
	CapID identifier.ObjectID
}

// CreateAllowlist creates an allowlist owned by owner and
// waits until it is readable. If it is not readable in
// time the ids are returned together with an
// sealerr.ErrIndexingTimeout error: the list exists.
func (c *Client) CreateAllowlist(ctx context.Context, owner Account, name string) (AllowlistRef, error) { // A
	if err := c.checkOpen(); err != nil {
		return AllowlistRef{}, err
	}
	fx, err := c.ledger.Submit(ctx, owner.Address(), c.contract.CreateAllowlist(name))
	if err != nil {
		return AllowlistRef{}, fmt.Errorf("create allowlist: %w", err)
	}
	list, ok := fx.CreatedOfType(chain.TypeAllowlist)
	if !ok {
		return AllowlistRef{}, errors.New("create allowlist: no allowlist in effects")
	}
	capObj, ok := fx.CreatedOfType(chain.TypeCap)
	if !ok {
		return AllowlistRef{}, errors.New("create allowlist: no cap in effects")
	}
	ref := AllowlistRef{ID: list.ID, CapID: capObj.ID}

	if _, err := retry.AwaitObject(ctx, c.ledger, list.ID, c.retry); err != nil {
		c.log.Warn("allowlist not indexed yet", "allowlist", list.ID.Hex(), "error", err)
		return ref, err
	}
	c.log.Info("created allowlist", "allowlist", list.ID.Hex(), "name", name)
	return ref, nil
}

// AddMember admits member to the allowlist.
func (c *Client) AddMember(ctx context.Context, owner Account, ref AllowlistRef, member identifier.Address) error {
	_, err := c.ledger.Submit(ctx, owner.Address(), c.contract.AddMember(ref.ID, ref.CapID, member))
	if err != nil {
		return fmt.Errorf("add member %s: %w", member, err)
	}
	return nil
}

// RemoveMember revokes member. Decryptions started after
// the removal fail; plaintext already obtained is not
// recalled.
func (c *Client) RemoveMember(ctx context.Context, owner Account, ref AllowlistRef, member identifier.Address) error {
	_, err := c.ledger.Submit(ctx, owner.Address(), c.contract.RemoveMember(ref.ID, ref.CapID, member))
	if err != nil {
		return fmt.Errorf("remove member %s: %w", member, err)
	}
	return nil
}

// PublishBlob attaches blobID to the allowlist.
func (c *Client) PublishBlob(ctx context.Context, owner Account, ref AllowlistRef, blobID string) error {
	_, err := c.ledger.Submit(ctx, owner.Address(), c.contract.PublishBlob(ref.ID, ref.CapID, blobID))
	if err != nil {
		return fmt.Errorf("publish blob %s: %w", blobID, err)
	}
	return nil
}

// ListAllowlists returns the allowlists owner holds a
// cap for. Lists not yet indexed are skipped.
func (c *Client) ListAllowlists(ctx context.Context, owner identifier.Address) ([]*policy.Allowlist, error) {
	caps, err := c.ledger.OwnedObjects(ctx, owner, chain.TypeCap)
	if err != nil {
		return nil, err
	}
	out := make([]*policy.Allowlist, 0, len(caps))
	for _, obj := range caps {
		capability, ok := obj.Content.(policy.Cap)
		if !ok {
			continue
		}
		listObj, err := c.ledger.Read(ctx, capability.AllowlistID)
		if errors.Is(err, chain.ErrObjectNotFound) {
			c.log.Debug("skipping unindexed allowlist", "allowlist", capability.AllowlistID.Hex())
			continue
		}
		if err != nil {
			return nil, err
		}
		if list, ok := listObj.Content.(*policy.Allowlist); ok {
			out = append(out, list)
		}
	}
	return out, nil
}

// CreateService registers a paid service. ttl 0 makes
// subscriptions perpetual. Like CreateAllowlist, an
// indexing timeout is returned together with the id.
func (c *Client) CreateService(
	ctx context.Context,
	owner Account,
	fee uint64,
	ttl time.Duration,
	name string,
) (identifier.ObjectID, error) {
	if err := c.checkOpen(); err != nil {
		return identifier.ObjectID{}, err
	}
	if ttl < 0 {
		return identifier.ObjectID{}, fmt.Errorf("negative ttl %s", ttl)
	}
	fx, err := c.ledger.Submit(ctx, owner.Address(), c.contract.CreateService(fee, uint64(ttl.Milliseconds()), name))
	if err != nil {
		return identifier.ObjectID{}, fmt.Errorf("create service: %w", err)
	}
	svc, ok := fx.CreatedOfType(chain.TypeService)
	if !ok {
		return identifier.ObjectID{}, errors.New("create service: no service in effects")
	}
	if _, err := retry.AwaitObject(ctx, c.ledger, svc.ID, c.retry); err != nil {
		return svc.ID, err
	}
	c.log.Info("created service", "service", svc.ID.Hex(), "fee", fee, "ttl", ttl)
	return svc.ID, nil
}

// Service reads a service object.
func (c *Client) Service(ctx context.Context, id identifier.ObjectID) (policy.Service, error) {
	obj, err := c.ledger.Read(ctx, id)
	if err != nil {
		return policy.Service{}, err
	}
	svc, ok := obj.Content.(policy.Service)
	if !ok {
		return policy.Service{}, fmt.Errorf("object %s is a %s, not a service", id, obj.Type)
	}
	return svc, nil
}

// Subscribe buys a subscription to serviceID for buyer,
// paying exactly the current fee, and waits until the
// new token shows up among the buyer's objects. The
// purchase is logged to the metastore when one is
// configured; that log is best effort.
func (c *Client) Subscribe( // A
	ctx context.Context,
	buyer Account,
	serviceID identifier.ObjectID,
) (policy.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return policy.Subscription{}, err
	}
	svc, err := c.Service(ctx, serviceID)
	if err != nil {
		return policy.Subscription{}, fmt.Errorf("read service: %w", err)
	}

	fx, err := c.ledger.Submit(ctx, buyer.Address(), c.contract.Subscribe(serviceID, svc.Fee, buyer.Address()))
	if err != nil {
		return policy.Subscription{}, fmt.Errorf("subscribe: %w", err)
	}
	created, ok := fx.CreatedOfType(chain.TypeSubscription)
	if !ok {
		return policy.Subscription{}, errors.New("subscribe: no subscription in effects")
	}

	obj, err := retry.AwaitOwned(ctx, c.ledger, buyer.Address(), chain.TypeSubscription,
		func(o chain.Object) bool { return o.ID == created.ID }, c.retry)
	if err != nil {
		return policy.Subscription{ID: created.ID, ServiceID: serviceID, Owner: buyer.Address()}, err
	}
	sub, _ := obj.Content.(policy.Subscription)

	if _, err := c.RefreshSubscriptions(ctx, buyer.Address()); err != nil {
		c.log.Warn("failed to refresh subscriptions", "owner", buyer.Address().Hex(), "error", err)
	}
	c.recordUnlock(ctx, fx, svc, buyer.Address())
	return sub, nil
}

func (c *Client) recordUnlock(ctx context.Context, fx chain.Effects, svc policy.Service, buyer identifier.Address) {
	if c.meta == nil {
		return
	}
	_, err := c.meta.AddUnlockRecord(ctx, metastore.UnlockRecord{
		ResumeRef: svc.ID.Hex(),
		Buyer:     buyer.Hex(),
		Seller:    svc.Owner.Hex(),
		Amount:    svc.Fee,
		TxRef:     fx.Digest,
		BlockTime: time.UnixMilli(int64(fx.TimestampMs)).UTC(),
	})
	if err != nil {
		c.log.Warn("failed to record unlock", "tx", fx.Digest, "error", err)
	}
}

// subscriptionIndex is replaced as a whole on refresh
// and never mutated after it is stored.
type subscriptionIndex struct {
	byOwner map[identifier.Address][]policy.Subscription
}

// RefreshSubscriptions reloads the subscriptions of
// owner from the ledger.
func (c *Client) RefreshSubscriptions(ctx context.Context, owner identifier.Address) ([]policy.Subscription, error) {
	objs, err := c.ledger.OwnedObjects(ctx, owner, chain.TypeSubscription)
	if err != nil {
		return nil, err
	}
	subs := make([]policy.Subscription, 0, len(objs))
	for _, o := range objs {
		if s, ok := o.Content.(policy.Subscription); ok {
			subs = append(subs, s)
		}
	}

	for {
		old := c.subs.Load()
		next := &subscriptionIndex{byOwner: make(map[identifier.Address][]policy.Subscription, len(old.byOwner)+1)}
		for k, v := range old.byOwner {
			next.byOwner[k] = v
		}
		next.byOwner[owner] = subs
		if c.subs.CompareAndSwap(old, next) {
			return append([]policy.Subscription(nil), subs...), nil
		}
	}
}

// Subscriptions returns the cached subscriptions of
// owner, loading them on first use.
func (c *Client) Subscriptions(ctx context.Context, owner identifier.Address) ([]policy.Subscription, error) {
	if subs, ok := c.subs.Load().byOwner[owner]; ok {
		return append([]policy.Subscription(nil), subs...), nil
	}
	return c.RefreshSubscriptions(ctx, owner)
}

// SubscriptionFor returns the policy under which owner
// may decrypt content of serviceID. A subscription that
// has lapsed is reported as sealerr.ErrNoAccess without
// contacting any custodian.
func (c *Client) SubscriptionFor(
	ctx context.Context,
	owner identifier.Address,
	serviceID identifier.ObjectID,
) (policy.SubscriptionPolicy, error) {
	subs, err := c.Subscriptions(ctx, owner)
	if err != nil {
		return policy.SubscriptionPolicy{}, err
	}
	svc, err := c.Service(ctx, serviceID)
	if err != nil {
		return policy.SubscriptionPolicy{}, fmt.Errorf("read service: %w", err)
	}

	now := c.clock.Now()
	var lapsed bool
	for _, s := range subs {
		if s.ServiceID != serviceID {
			continue
		}
		if s.ValidAt(svc, now) {
			return policy.SubscriptionPolicy{ServiceID: serviceID, SubscriptionID: s.ID}, nil
		}
		lapsed = true
	}
	if lapsed {
		return policy.SubscriptionPolicy{}, fmt.Errorf("subscription to %s expired: %w", serviceID, sealerr.ErrNoAccess)
	}
	return policy.SubscriptionPolicy{}, fmt.Errorf("%w %s", ErrNoSubscription, serviceID)
}
