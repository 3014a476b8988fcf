package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"golang.org/x/crypto/blake2b"
)

// Memory is an in-process ledger. It is the
// authoritative state for tests, the demo and local
// development; mutations are serialized by a mutex.
type Memory struct {
	mu       sync.Mutex
	pkg      identifier.ObjectID
	clock    clock.Clock
	lag      int
	log      *slog.Logger
	seq      uint64
	objects  map[identifier.ObjectID]*entry
	balances map[identifier.Address]uint64
}

type entry struct {
	obj Object
	// hidden counts the reads that still miss the
	// object, simulating a lagging index.
	hidden int
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithClock sets the clock used for subscription
// timestamps and seal_approve checks.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) { m.clock = c }
}

// WithIndexLag hides every newly created object from
// the next n reads that would return it.
func WithIndexLag(n int) MemoryOption {
	return func(m *Memory) { m.lag = n }
}

// WithLogger sets the ledger logger.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.log = l }
}

// NewMemory returns an empty ledger with the contracts
// deployed at pkg.
func NewMemory(pkg identifier.ObjectID, opts ...MemoryOption) *Memory {
	m := &Memory{
		pkg:      pkg,
		clock:    clock.Real(),
		log:      slog.Default(),
		objects:  make(map[identifier.ObjectID]*entry),
		balances: make(map[identifier.Address]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Package returns the contract package id.
func (m *Memory) Package() identifier.ObjectID {
	return m.pkg
}

// Mint credits amount to addr.
func (m *Memory) Mint(addr identifier.Address, amount uint64) {
	m.mu.Lock()
	m.balances[addr] += amount
	m.mu.Unlock()
}

// Balance returns the balance of addr.
func (m *Memory) Balance(addr identifier.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

// Submit implements Ledger.
func (m *Memory) Submit(ctx context.Context, sender identifier.Address, tx Transaction) (Effects, error) {
	if err := ctx.Err(); err != nil {
		return Effects{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	x := m.newExec(sender)
	if err := x.run(tx); err != nil {
		return Effects{}, err
	}
	return m.commit(sender, x), nil
}

// DryRun implements Ledger.
func (m *Memory) DryRun(ctx context.Context, sender identifier.Address, tx Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newExec(sender).run(tx)
}

// Read implements Ledger.
func (m *Memory) Read(ctx context.Context, id identifier.ObjectID) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.objects[id]
	if !ok {
		return Object{}, fmt.Errorf("read %s: %w", id, ErrObjectNotFound)
	}
	if e.hidden > 0 {
		e.hidden--
		return Object{}, fmt.Errorf("read %s: %w", id, ErrObjectNotFound)
	}
	return snapshot(e.obj), nil
}

// OwnedObjects implements Ledger.
func (m *Memory) OwnedObjects(ctx context.Context, owner identifier.Address, t ObjectType) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Object
	for _, e := range m.objects {
		if e.obj.Type != t || e.obj.Owner.Shared || e.obj.Owner.Address != owner {
			continue
		}
		if e.hidden > 0 {
			e.hidden--
			continue
		}
		out = append(out, snapshot(e.obj))
	}
	return out, nil
}

func (m *Memory) commit(sender identifier.Address, x *exec) Effects {
	m.seq++
	for id, obj := range x.writes {
		obj.Version = m.seq
		if e, ok := m.objects[id]; ok {
			e.obj = obj
			continue
		}
		m.objects[id] = &entry{obj: obj, hidden: m.lag}
	}
	for addr, bal := range x.balances {
		m.balances[addr] = bal
	}

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], m.seq)
	h, _ := blake2b.New256(nil)
	h.Write(seqBuf[:])
	h.Write(sender[:])
	digest := hex.EncodeToString(h.Sum(nil))

	created := make([]CreatedObject, 0, len(x.created))
	for _, id := range x.created {
		obj := x.writes[id]
		created = append(created, CreatedObject{ID: id, Type: obj.Type, Owner: obj.Owner})
	}
	mutated := make([]identifier.ObjectID, 0, len(x.mutated))
	for _, id := range x.mutated {
		if _, isNew := x.createdSet[id]; !isNew {
			mutated = append(mutated, id)
		}
	}

	m.log.Debug("transaction committed",
		"digest", digest,
		"sender", sender.Hex(),
		"created", len(created),
		"mutated", len(mutated))

	return Effects{
		Digest:      digest,
		Created:     created,
		Mutated:     mutated,
		TimestampMs: x.nowMs,
	}
}

// snapshot detaches mutable content from ledger state.
func snapshot(o Object) Object {
	if a, ok := o.Content.(*policy.Allowlist); ok {
		o.Content = a.Clone()
	}
	return o
}

// exec stages the writes of one transaction so a failed
// call leaves the ledger untouched.
type exec struct {
	m          *Memory
	sender     identifier.Address
	nowMs      uint64
	writes     map[identifier.ObjectID]Object
	created    []identifier.ObjectID
	createdSet map[identifier.ObjectID]struct{}
	mutated    []identifier.ObjectID
	balances   map[identifier.Address]uint64
	results    []identifier.ObjectID
}

func (m *Memory) newExec(sender identifier.Address) *exec {
	return &exec{
		m:          m,
		sender:     sender,
		nowMs:      uint64(m.clock.Now().UnixMilli()),
		writes:     make(map[identifier.ObjectID]Object),
		createdSet: make(map[identifier.ObjectID]struct{}),
		balances:   make(map[identifier.Address]uint64),
	}
}

func (x *exec) run(tx Transaction) error {
	if len(tx.Calls) == 0 {
		return fmt.Errorf("chain: empty transaction")
	}
	for i, call := range tx.Calls {
		if call.Package != x.m.pkg {
			return fmt.Errorf("chain: call %d targets unknown package %s", i, call.Package)
		}
		result, err := x.dispatch(call)
		if err != nil {
			return err
		}
		x.results = append(x.results, result)
	}
	return nil
}

func (x *exec) dispatch(c Call) (identifier.ObjectID, error) {
	var none identifier.ObjectID
	switch c.Module + "::" + c.Function {
	case ModuleAllowlist + "::" + FnCreateAllowlist:
		return none, x.createAllowlist(c)
	case ModuleAllowlist + "::" + FnAdd:
		return none, x.updateMembers(c, true)
	case ModuleAllowlist + "::" + FnRemove:
		return none, x.updateMembers(c, false)
	case ModuleAllowlist + "::" + FnPublish:
		return none, x.publish(c)
	case ModuleAllowlist + "::" + FnSealApprove:
		return none, x.approveAllowlist(c)
	case ModuleSubscription + "::" + FnCreateService:
		return none, x.createService(c)
	case ModuleSubscription + "::" + FnSubscribe:
		return x.subscribe(c)
	case ModuleSubscription + "::" + FnTransfer:
		return none, x.transfer(c)
	case ModuleSubscription + "::" + FnSealApprove:
		return none, x.approveSubscription(c)
	default:
		return none, fmt.Errorf("chain: unknown function %s", c.Target())
	}
}

func abort(c Call, code uint64, reason string) error {
	return &AbortError{Module: c.Module, Function: c.Function, Code: code, Reason: reason}
}

func (x *exec) arg(c Call, i int, kind ArgKind) (Arg, error) {
	if i >= len(c.Args) {
		return Arg{}, abort(c, EBadArgument, fmt.Sprintf("missing argument %d", i))
	}
	a := c.Args[i]
	if a.Kind != kind && !(kind == ArgObject && a.Kind == ArgResult) {
		return Arg{}, abort(c, EBadArgument, fmt.Sprintf("argument %d: want %s, got %s", i, kind, a.Kind))
	}
	return a, nil
}

// object resolves an object argument. Owned objects may
// only be passed by their owner.
func (x *exec) object(c Call, i int, t ObjectType) (Object, error) {
	a, err := x.arg(c, i, ArgObject)
	if err != nil {
		return Object{}, err
	}
	id := a.Object
	if a.Kind == ArgResult {
		if a.Result < 0 || a.Result >= len(x.results) || x.results[a.Result].IsZero() {
			return Object{}, abort(c, EBadArgument, fmt.Sprintf("argument %d: no result %d", i, a.Result))
		}
		id = x.results[a.Result]
	}

	obj, ok := x.writes[id]
	if !ok {
		e, found := x.m.objects[id]
		if !found {
			return Object{}, fmt.Errorf("chain: argument %d: object %s: %w", i, id, ErrObjectNotFound)
		}
		obj = e.obj
	}
	if obj.Type != t {
		return Object{}, abort(c, EBadArgument, fmt.Sprintf("argument %d: want %s, got %s", i, t, obj.Type))
	}
	if !obj.Owner.Shared && obj.Owner.Address != x.sender {
		return Object{}, abort(c, ENotOwner, fmt.Sprintf("object %s is not owned by sender", id))
	}
	return obj, nil
}

func (x *exec) insert(obj Object) {
	x.writes[obj.ID] = obj
	x.created = append(x.created, obj.ID)
	x.createdSet[obj.ID] = struct{}{}
}

func (x *exec) put(obj Object) {
	x.writes[obj.ID] = obj
	x.mutated = append(x.mutated, obj.ID)
}

func (x *exec) balance(addr identifier.Address) uint64 {
	if b, ok := x.balances[addr]; ok {
		return b
	}
	return x.m.balances[addr]
}

func (x *exec) createAllowlist(c Call) error {
	name, err := x.arg(c, 0, ArgString)
	if err != nil {
		return err
	}
	listID, err := identifier.RandomObjectID()
	if err != nil {
		return err
	}
	capID, err := identifier.RandomObjectID()
	if err != nil {
		return err
	}
	x.insert(Object{
		ID:      listID,
		Type:    TypeAllowlist,
		Owner:   Owner{Shared: true},
		Content: policy.NewAllowlist(listID, name.Str),
	})
	x.insert(Object{
		ID:      capID,
		Type:    TypeCap,
		Owner:   Owner{Address: x.sender},
		Content: policy.Cap{ID: capID, AllowlistID: listID, Owner: x.sender},
	})
	return nil
}

// allowlistWithCap resolves (allowlist, cap) and checks
// that the cap administers the list.
func (x *exec) allowlistWithCap(c Call) (Object, *policy.Allowlist, error) {
	listObj, err := x.object(c, 0, TypeAllowlist)
	if err != nil {
		return Object{}, nil, err
	}
	capObj, err := x.object(c, 1, TypeCap)
	if err != nil {
		return Object{}, nil, err
	}
	if capObj.Content.(policy.Cap).AllowlistID != listObj.ID {
		return Object{}, nil, abort(c, EInvalidCap, "cap belongs to another allowlist")
	}
	list := listObj.Content.(*policy.Allowlist).Clone()
	return listObj, list, nil
}

func (x *exec) updateMembers(c Call, add bool) error {
	listObj, list, err := x.allowlistWithCap(c)
	if err != nil {
		return err
	}
	addr, err := x.arg(c, 2, ArgAddress)
	if err != nil {
		return err
	}
	_, present := list.Members[addr.Address]
	switch {
	case add && present:
		return abort(c, EDuplicate, addr.Address.Hex())
	case !add && !present:
		return abort(c, ENotMember, addr.Address.Hex())
	case add:
		list.Members[addr.Address] = struct{}{}
	default:
		delete(list.Members, addr.Address)
	}
	listObj.Content = list
	x.put(listObj)
	return nil
}

func (x *exec) publish(c Call) error {
	listObj, list, err := x.allowlistWithCap(c)
	if err != nil {
		return err
	}
	blob, err := x.arg(c, 2, ArgString)
	if err != nil {
		return err
	}
	if blob.Str == "" {
		return abort(c, EBadArgument, "empty blob id")
	}
	list.Blobs = append(list.Blobs, blob.Str)
	listObj.Content = list
	x.put(listObj)
	return nil
}

func (x *exec) createService(c Call) error {
	fee, err := x.arg(c, 0, ArgU64)
	if err != nil {
		return err
	}
	ttl, err := x.arg(c, 1, ArgU64)
	if err != nil {
		return err
	}
	name, err := x.arg(c, 2, ArgString)
	if err != nil {
		return err
	}
	id, err := identifier.RandomObjectID()
	if err != nil {
		return err
	}
	x.insert(Object{
		ID:      id,
		Type:    TypeService,
		Owner:   Owner{Shared: true},
		Content: policy.Service{ID: id, Fee: fee.U64, TTLMs: ttl.U64, Owner: x.sender, Name: name.Str},
	})
	return nil
}

func (x *exec) subscribe(c Call) (identifier.ObjectID, error) {
	coin, err := x.arg(c, 0, ArgCoin)
	if err != nil {
		return identifier.ObjectID{}, err
	}
	serviceObj, err := x.object(c, 1, TypeService)
	if err != nil {
		return identifier.ObjectID{}, err
	}
	service := serviceObj.Content.(policy.Service)
	if coin.U64 != service.Fee {
		return identifier.ObjectID{}, abort(c, EInvalidFee,
			fmt.Sprintf("paid %d, fee is %d", coin.U64, service.Fee))
	}
	if bal := x.balance(x.sender); bal < coin.U64 {
		return identifier.ObjectID{}, abort(c, EInsufficientBalance,
			fmt.Sprintf("balance %d, need %d", bal, coin.U64))
	}
	x.balances[x.sender] = x.balance(x.sender) - coin.U64
	x.balances[service.Owner] = x.balance(service.Owner) + coin.U64

	id, err := identifier.RandomObjectID()
	if err != nil {
		return identifier.ObjectID{}, err
	}
	x.insert(Object{
		ID:    id,
		Type:  TypeSubscription,
		Owner: Owner{Address: x.sender},
		Content: policy.Subscription{
			ID:          id,
			ServiceID:   service.ID,
			Owner:       x.sender,
			CreatedAtMs: x.nowMs,
		},
	})
	return id, nil
}

func (x *exec) transfer(c Call) error {
	subObj, err := x.object(c, 0, TypeSubscription)
	if err != nil {
		return err
	}
	to, err := x.arg(c, 1, ArgAddress)
	if err != nil {
		return err
	}
	sub := subObj.Content.(policy.Subscription)
	sub.Owner = to.Address
	subObj.Content = sub
	subObj.Owner = Owner{Address: to.Address}
	x.put(subObj)
	return nil
}

func (x *exec) approveAllowlist(c Call) error {
	id, err := x.arg(c, 0, ArgBytes)
	if err != nil {
		return err
	}
	listObj, err := x.object(c, 1, TypeAllowlist)
	if err != nil {
		return err
	}
	if !hasPrefix(id.Bytes, listObj.ID) {
		return abort(c, ENoAccess, "id is not bound to this allowlist")
	}
	if !listObj.Content.(*policy.Allowlist).Permits(x.sender) {
		return abort(c, ENoAccess, "sender is not a member")
	}
	return nil
}

func (x *exec) approveSubscription(c Call) error {
	id, err := x.arg(c, 0, ArgBytes)
	if err != nil {
		return err
	}
	subObj, err := x.object(c, 1, TypeSubscription)
	if err != nil {
		return err
	}
	serviceObj, err := x.object(c, 2, TypeService)
	if err != nil {
		return err
	}
	sub := subObj.Content.(policy.Subscription)
	service := serviceObj.Content.(policy.Service)
	if sub.ServiceID != service.ID {
		return abort(c, ENoAccess, "subscription belongs to another service")
	}
	if !policy.ValidAtMs(sub.CreatedAtMs, service.TTLMs, x.nowMs) {
		return abort(c, ENoAccess, "subscription expired")
	}
	if !hasPrefix(id.Bytes, service.ID) {
		return abort(c, ENoAccess, "id is not bound to this service")
	}
	return nil
}

func hasPrefix(id []byte, obj identifier.ObjectID) bool {
	parsed, err := identifier.IDFromBytes(id)
	if err != nil {
		return false
	}
	return parsed.HasPrefix(obj)
}
