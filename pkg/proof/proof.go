// Package proof builds access proofs: unsubmitted
// transactions calling the policy contract's
// seal_approve entry point. Key custodians dry-run the
// decoded transaction and release shares only when it
// executes without abort.
package proof

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
)

// Builder targets the contracts deployed at PackageID.
type Builder struct {
	PackageID identifier.ObjectID
}

// New returns a Builder for pkg.
func New(pkg identifier.ObjectID) Builder {
	return Builder{PackageID: pkg}
}

// Allowlist builds allowlist::seal_approve(id, allowlist).
func (b Builder) Allowlist(id identifier.ID, allowlistID identifier.ObjectID) chain.Call {
	return chain.Call{
		Package:  b.PackageID,
		Module:   chain.ModuleAllowlist,
		Function: chain.FnSealApprove,
		Args: []chain.Arg{
			chain.BytesArg(id.Bytes()),
			chain.ObjectArg(allowlistID),
		},
	}
}

// Subscription builds
// subscription::seal_approve(id, subscription, service).
func (b Builder) Subscription(id identifier.ID, subscriptionID, serviceID identifier.ObjectID) chain.Call {
	return chain.Call{
		Package:  b.PackageID,
		Module:   chain.ModuleSubscription,
		Function: chain.FnSealApprove,
		Args: []chain.Arg{
			chain.BytesArg(id.Bytes()),
			chain.ObjectArg(subscriptionID),
			chain.ObjectArg(serviceID),
		},
	}
}

// For selects the call matching p. The id must be bound
// to the policy object, otherwise ErrPolicyMismatch is
// returned without building anything.
func (b Builder) For(p policy.Policy, id identifier.ID) (chain.Call, error) {
	if err := policy.Validate(p); err != nil {
		return chain.Call{}, err
	}
	if !id.HasPrefix(p.ObjectID()) {
		return chain.Call{}, fmt.Errorf("id %s: %w", id, sealerr.ErrPolicyMismatch)
	}
	switch v := p.(type) {
	case policy.AllowlistPolicy:
		return b.Allowlist(id, v.AllowlistID), nil
	case policy.SubscriptionPolicy:
		return b.Subscription(id, v.SubscriptionID, v.ServiceID), nil
	default:
		return chain.Call{}, fmt.Errorf("unsupported policy type %T", p)
	}
}

// Batch builds one transaction approving every id under
// the same policy.
func (b Builder) Batch(p policy.Policy, ids []identifier.ID) (chain.Transaction, error) {
	if len(ids) == 0 {
		return chain.Transaction{}, errors.New("no ids to approve")
	}
	tx := chain.Transaction{Calls: make([]chain.Call, 0, len(ids))}
	for _, id := range ids {
		call, err := b.For(p, id)
		if err != nil {
			return chain.Transaction{}, err
		}
		tx.Calls = append(tx.Calls, call)
	}
	return tx, nil
}

// IDs returns the encryption ids a decoded proof asks
// to approve, in call order. Calls that are not
// seal_approve are rejected since custodians must never
// evaluate state changing transactions.
func IDs(tx chain.Transaction) ([]identifier.ID, error) {
	if len(tx.Calls) == 0 {
		return nil, errors.New("proof has no calls")
	}
	ids := make([]identifier.ID, 0, len(tx.Calls))
	for i, c := range tx.Calls {
		if c.Function != chain.FnSealApprove {
			return nil, fmt.Errorf("call %d: %s is not an approval", i, c.Target())
		}
		if len(c.Args) == 0 || c.Args[0].Kind != chain.ArgBytes {
			return nil, fmt.Errorf("call %d: first argument must be the id", i)
		}
		id, err := identifier.IDFromBytes(c.Args[0].Bytes)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
