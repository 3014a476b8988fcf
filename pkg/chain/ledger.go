// Package chain is the ledger capability: submitting
// contract transactions, reading objects and dry-running
// access proofs. Memory is a complete in-process ledger
// that executes the allowlist and subscription contracts
// and can simulate indexing lag.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
)

// ErrObjectNotFound means the object is not readable
// yet or does not exist. Freshly created objects return
// it until the index catches up.
var ErrObjectNotFound = errors.New("chain: object not found")

// Abort codes raised by the contracts.
const (
	ENoAccess uint64 = iota + 1
	EInvalidCap
	EDuplicate
	ENotMember
	EInvalidFee
	EInsufficientBalance
	EBadArgument
	ENotOwner
)

var abortNames = map[uint64]string{
	ENoAccess:            "ENoAccess",
	EInvalidCap:          "EInvalidCap",
	EDuplicate:           "EDuplicate",
	ENotMember:           "ENotMember",
	EInvalidFee:          "EInvalidFee",
	EInsufficientBalance: "EInsufficientBalance",
	EBadArgument:         "EBadArgument",
	ENotOwner:            "ENotOwner",
}

// AbortError is a contract abort. It aborts the whole
// transaction.
type AbortError struct {
	Module   string
	Function string
	Code     uint64
	Reason   string
}

func (e *AbortError) Error() string {
	name, ok := abortNames[e.Code]
	if !ok {
		name = fmt.Sprintf("code %d", e.Code)
	}
	if e.Reason != "" {
		return fmt.Sprintf("chain: %s::%s aborted with %s: %s", e.Module, e.Function, name, e.Reason)
	}
	return fmt.Sprintf("chain: %s::%s aborted with %s", e.Module, e.Function, name)
}

// IsAbort reports whether err is a contract abort with
// the given code.
func IsAbort(err error, code uint64) bool {
	var abort *AbortError
	return errors.As(err, &abort) && abort.Code == code
}

// ObjectType names a contract struct.
type ObjectType string

const (
	TypeAllowlist    ObjectType = "allowlist::Allowlist"
	TypeCap          ObjectType = "allowlist::Cap"
	TypeService      ObjectType = "subscription::Service"
	TypeSubscription ObjectType = "subscription::Subscription"
)

// Owner describes who may pass an object to a call.
type Owner struct {
	Shared  bool
	Address identifier.Address
}

// Object is a read snapshot. Content holds one of
// *policy.Allowlist, policy.Cap, policy.Service or
// policy.Subscription and is never shared with the
// ledger state.
type Object struct {
	ID      identifier.ObjectID
	Type    ObjectType
	Owner   Owner
	Version uint64
	Content any
}

// CreatedObject is an entry in transaction effects.
type CreatedObject struct {
	ID    identifier.ObjectID
	Type  ObjectType
	Owner Owner
}

// Effects summarizes a committed transaction.
type Effects struct {
	Digest      string
	Created     []CreatedObject
	Mutated     []identifier.ObjectID
	TimestampMs uint64
}

// CreatedOfType returns the first created object of
// type t.
func (e Effects) CreatedOfType(t ObjectType) (CreatedObject, bool) {
	for _, c := range e.Created {
		if c.Type == t {
			return c, true
		}
	}
	return CreatedObject{}, false
}

// Ledger is the chain capability the pipeline depends
// on.
type Ledger interface {
	// Submit executes tx atomically as sender.
	Submit(ctx context.Context, sender identifier.Address, tx Transaction) (Effects, error)
	// Read returns the latest indexed version of id or
	// ErrObjectNotFound.
	Read(ctx context.Context, id identifier.ObjectID) (Object, error)
	// OwnedObjects lists indexed objects of type t owned
	// by owner.
	OwnedObjects(ctx context.Context, owner identifier.Address, t ObjectType) ([]Object, error)
	// DryRun executes tx as sender against the
	// authoritative state without committing. A nil error
	// means every call succeeded.
	DryRun(ctx context.Context, sender identifier.Address, tx Transaction) error
}
