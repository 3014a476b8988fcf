package chain

import (
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
)

// Contract module and function names.
const (
	ModuleAllowlist    = "allowlist"
	ModuleSubscription = "subscription"

	FnCreateAllowlist = "create_allowlist_entry"
	FnAdd             = "add"
	FnRemove          = "remove"
	FnPublish         = "publish"
	FnCreateService   = "create_service_entry"
	FnSubscribe       = "subscribe"
	FnTransfer        = "transfer"
	FnSealApprove     = "seal_approve"
)

// ArgKind tags the value carried by an Arg.
type ArgKind int

const (
	ArgBytes ArgKind = iota + 1
	ArgObject
	ArgAddress
	ArgU64
	ArgString
	// ArgCoin is a coin of exactly U64 units split from
	// the sender's balance.
	ArgCoin
	// ArgResult refers to the value returned by an
	// earlier call in the same transaction.
	ArgResult
)

var argKindNames = map[ArgKind]string{
	ArgBytes:   "bytes",
	ArgObject:  "object",
	ArgAddress: "address",
	ArgU64:     "u64",
	ArgString:  "string",
	ArgCoin:    "coin",
	ArgResult:  "result",
}

// String returns the wire name of the kind.
func (k ArgKind) String() string {
	if s, ok := argKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseArgKind is the inverse of ArgKind.String.
func ParseArgKind(s string) (ArgKind, error) {
	for k, name := range argKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown argument kind %q", s)
}

// Arg is a single call argument.
type Arg struct {
	Kind    ArgKind
	Bytes   []byte
	Object  identifier.ObjectID
	Address identifier.Address
	U64     uint64
	Str     string
	Result  int
}

func BytesArg(b []byte) Arg { return Arg{Kind: ArgBytes, Bytes: b} }
func ObjectArg(o identifier.ObjectID) Arg { return Arg{Kind: ArgObject, Object: o} }
func AddressArg(a identifier.Address) Arg { return Arg{Kind: ArgAddress, Address: a} }
func U64Arg(v uint64) Arg { return Arg{Kind: ArgU64, U64: v} }
func StringArg(s string) Arg { return Arg{Kind: ArgString, Str: s} }
func CoinArg(amount uint64) Arg { return Arg{Kind: ArgCoin, U64: amount} }
func ResultArg(callIndex int) Arg { return Arg{Kind: ArgResult, Result: callIndex} }

// Call is one contract function invocation.
type Call struct {
	Package  identifier.ObjectID
	Module   string
	Function string
	Args     []Arg
}

// Target returns package::module::function.
func (c Call) Target() string {
	return fmt.Sprintf("%s::%s::%s", c.Package.Hex(), c.Module, c.Function)
}

// Transaction is an ordered list of calls executed
// atomically.
type Transaction struct {
	Calls []Call
}

// Contract builds the state changing calls of the
// allowlist and subscription modules deployed at
// Package.
type Contract struct {
	Package identifier.ObjectID
}

func (c Contract) call(module, fn string, args ...Arg) Call {
	return Call{Package: c.Package, Module: module, Function: fn, Args: args}
}

// CreateAllowlist creates a shared allowlist and an
// admin cap owned by the sender.
func (c Contract) CreateAllowlist(name string) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleAllowlist, FnCreateAllowlist, StringArg(name)),
	}}
}

// AddMember adds addr to the allowlist.
func (c Contract) AddMember(allowlist, capID identifier.ObjectID, addr identifier.Address) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleAllowlist, FnAdd, ObjectArg(allowlist), ObjectArg(capID), AddressArg(addr)),
	}}
}

// RemoveMember removes addr from the allowlist.
func (c Contract) RemoveMember(allowlist, capID identifier.ObjectID, addr identifier.Address) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleAllowlist, FnRemove, ObjectArg(allowlist), ObjectArg(capID), AddressArg(addr)),
	}}
}

// PublishBlob attaches a blob id to the allowlist.
func (c Contract) PublishBlob(allowlist, capID identifier.ObjectID, blobID string) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleAllowlist, FnPublish, ObjectArg(allowlist), ObjectArg(capID), StringArg(blobID)),
	}}
}

// CreateService creates a shared subscription service
// owned by the sender.
func (c Contract) CreateService(fee, ttlMs uint64, name string) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleSubscription, FnCreateService, U64Arg(fee), U64Arg(ttlMs), StringArg(name)),
	}}
}

// Subscribe pays fee to service and transfers the new
// subscription to buyer. fee must equal the service fee
// exactly or the call aborts.
func (c Contract) Subscribe(service identifier.ObjectID, fee uint64, buyer identifier.Address) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleSubscription, FnSubscribe, CoinArg(fee), ObjectArg(service)),
		c.call(ModuleSubscription, FnTransfer, ResultArg(0), AddressArg(buyer)),
	}}
}

// TransferSubscription moves an owned subscription to
// another address.
func (c Contract) TransferSubscription(sub identifier.ObjectID, to identifier.Address) Transaction {
	return Transaction{Calls: []Call{
		c.call(ModuleSubscription, FnTransfer, ObjectArg(sub), AddressArg(to)),
	}}
}
