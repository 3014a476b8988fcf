// Package policy models the two on-chain authorization
// variants: allowlists guarded by an admin capability and
// paid subscription services. The predicates here mirror
// what the contracts check when a key custodian dry-runs
// an access proof.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
)

// Kind distinguishes the policy variants.
type Kind int // A

const ( // A
	KindAllowlist Kind = iota + 1
	KindSubscription
)

// String returns the textual kind.
func (k Kind) String() string { // A
	switch k {
	case KindAllowlist:
		return "allowlist"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) { // A
	switch s {
	case "allowlist":
		return KindAllowlist, nil
	case "subscription":
		return KindSubscription, nil
	default:
		return 0, fmt.Errorf("unknown policy kind %q", s)
	}
}

// Policy is the tagged union a viewer supplies when
// decrypting. ObjectID is the object every encryption id
// bound to this policy starts with.
type Policy interface { // A
	Kind() Kind
	ObjectID() identifier.ObjectID
}

// AllowlistPolicy authorizes members of an allowlist.
type AllowlistPolicy struct { // A
	AllowlistID identifier.ObjectID
}

// Kind implements Policy.
func (AllowlistPolicy) Kind() Kind { return KindAllowlist } // A

// ObjectID implements Policy.
func (p AllowlistPolicy) ObjectID() identifier.ObjectID { // A
	return p.AllowlistID
}

// SubscriptionPolicy authorizes the owner of a
// subscription to the service.
type SubscriptionPolicy struct { // A
	ServiceID      identifier.ObjectID
	SubscriptionID identifier.ObjectID
}

// Kind implements Policy.
func (SubscriptionPolicy) Kind() Kind { return KindSubscription } // A

// ObjectID implements Policy.
func (p SubscriptionPolicy) ObjectID() identifier.ObjectID { // A
	return p.ServiceID
}

// Validate checks that the policy references real
// objects.
func Validate(p Policy) error { // A
	switch v := p.(type) {
	case AllowlistPolicy:
		if v.AllowlistID.IsZero() {
			return errors.New("allowlist id must not be zero")
		}
	case SubscriptionPolicy:
		if v.ServiceID.IsZero() {
			return errors.New("service id must not be zero")
		}
		if v.SubscriptionID.IsZero() {
			return errors.New("subscription id must not be zero")
		}
	case nil:
		return errors.New("policy must not be nil")
	default:
		return fmt.Errorf("unsupported policy type %T", p)
	}
	return nil
}

// Allowlist is a shared object holding the member set.
type Allowlist struct { // A
	ID      identifier.ObjectID
	Name    string
	Members map[identifier.Address]struct{}
	Blobs   []string
}

// NewAllowlist returns an empty allowlist.
func NewAllowlist( // A
	id identifier.ObjectID,
	name string,
) *Allowlist {
	return &Allowlist{
		ID:      id,
		Name:    name,
		Members: make(map[identifier.Address]struct{}),
	}
}

// Permits reports whether addr is a member.
func (a *Allowlist) Permits(addr identifier.Address) bool { // A
	if a == nil {
		return false
	}
	_, ok := a.Members[addr]
	return ok
}

// MemberList returns members in a stable order.
func (a *Allowlist) MemberList() []identifier.Address { // A
	out := make([]identifier.Address, 0, len(a.Members))
	for m := range a.Members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}

// Clone returns a deep copy so readers never observe
// later mutations.
func (a *Allowlist) Clone() *Allowlist { // A
	c := NewAllowlist(a.ID, a.Name)
	for m := range a.Members {
		c.Members[m] = struct{}{}
	}
	c.Blobs = append([]string(nil), a.Blobs...)
	return c
}

// Cap is the admin capability for one allowlist. Only
// its owner may mutate the allowlist.
type Cap struct { // A
	ID          identifier.ObjectID
	AllowlistID identifier.ObjectID
	Owner       identifier.Address
}

// Service is a subscription service created by the
// document owner.
type Service struct { // A
	ID    identifier.ObjectID
	Fee   uint64
	TTLMs uint64
	Owner identifier.Address
	Name  string
}

// TTL returns the subscription lifetime. Zero means
// perpetual.
func (s Service) TTL() time.Duration { // A
	return time.Duration(s.TTLMs) * time.Millisecond
}

// Perpetual reports whether subscriptions never expire.
func (s Service) Perpetual() bool { // A
	return s.TTLMs == 0
}

// Subscription is an owned token proving a purchase.
type Subscription struct { // A
	ID          identifier.ObjectID
	ServiceID   identifier.ObjectID
	Owner       identifier.Address
	CreatedAtMs uint64
}

// CreatedAt returns the purchase time.
func (s Subscription) CreatedAt() time.Time { // A
	return time.UnixMilli(int64(s.CreatedAtMs))
}

// ValidAt reports whether the subscription grants
// access at now: ttl == 0 || now <= createdAt + ttl.
func (s Subscription) ValidAt( // A
	service Service,
	now time.Time,
) bool {
	if s.ServiceID != service.ID {
		return false
	}
	return ValidAtMs(s.CreatedAtMs, service.TTLMs, uint64(now.UnixMilli()))
}

// ValidAtMs is the millisecond predicate shared by the
// client and the ledger.
func ValidAtMs(createdAtMs, ttlMs, nowMs uint64) bool { // A
	if ttlMs == 0 || nowMs < createdAtMs {
		return true
	}
	// Compare elapsed time so created+ttl cannot wrap.
	return nowMs-createdAtMs <= ttlMs
}

// ExpiresAt returns the expiry instant and false for
// perpetual subscriptions.
func (s Subscription) ExpiresAt( // A
	service Service,
) (time.Time, bool) {
	if service.Perpetual() {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(s.CreatedAtMs + service.TTLMs)), true
}
