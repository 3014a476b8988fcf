/*
Package seal publishes documents whose plaintext is never revealed to storage
and lets third parties decrypt them only while an on-chain policy admits them:
membership in an allowlist or a valid subscription to a paid service.

Keys are split across independent key custodians. Each custodian evaluates a
read-only access proof against the ledger before it releases its share, and a
threshold of shares is needed to recover the data key.
*/
package seal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/i5heu/ouroboros-seal/pkg/blobstore"
	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/custodian"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/proof"
	"github.com/i5heu/ouroboros-seal/pkg/retry"
	"github.com/i5heu/ouroboros-seal/pkg/session"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	workerpool "github.com/i5heu/ouroboros-seal/pkg/workerPool"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrClosed         = errors.New("seal: client closed")
	ErrNoSubscription = errors.New("seal: no subscription for service")
)

// Account is anything that can act as a transaction
// sender. *wallet.Wallet satisfies it.
type Account interface {
	Address() identifier.Address
}

// Endpoint pairs a custodian transport with the public
// key shares are sealed to.
type Endpoint struct {
	Fetcher   custodian.Fetcher
	PublicKey threshold.PublicKey
}

// Deps are the capabilities a Client drives.
type Deps struct {
	Ledger     chain.Ledger
	Blobs      blobstore.Store
	Custodians []Endpoint
	// Metastore is optional.
	Metastore metastore.Recorder
	// Sessions caches signed credentials. Optional.
	Sessions *session.Cache
	Clock    clock.Clock
	// Retry supplies retry hooks such as Sleep. Counts
	// and delays from Config take precedence.
	Retry retry.Options
}

// Client runs the encryption, decryption and policy
// registration flows.
type Client struct {
	log    *slog.Logger
	config Config
	pkg    identifier.ObjectID

	ledger     chain.Ledger
	contract   chain.Contract
	proofs     proof.Builder
	blobs      blobstore.Store
	custodians []Endpoint
	encrypter  *threshold.Encrypter
	meta       metastore.Recorder
	clock      clock.Clock
	manager    *session.Manager
	sessions   *session.Cache
	retry      retry.Options

	pool    *workerpool.WorkerPool
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	subs atomic.Pointer[subscriptionIndex]

	// closeMu guards closed. Operations that use the pool
	// or the codecs register in inflight while holding it.
	closeMu   sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New builds a Client. conf must pass Validate once its
// custodian list matches deps.Custodians.
func New(conf Config, deps Deps) (*Client, error) { // A
	conf.applyDefaults()
	if conf.Threshold == 0 {
		conf.Threshold = len(deps.Custodians)/2 + 1
	}
	if len(conf.Custodians) == 0 {
		for _, ep := range deps.Custodians {
			conf.Custodians = append(conf.Custodians, CustodianConfig{
				ID:        ep.Fetcher.ID().Hex(),
				PublicKey: ep.PublicKey.Hex(),
			})
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Ledger == nil || deps.Blobs == nil {
		return nil, errors.New("ledger and blob store are required")
	}
	if len(deps.Custodians) != len(conf.Custodians) {
		return nil, fmt.Errorf("config names %d custodians, %d endpoints given", len(conf.Custodians), len(deps.Custodians))
	}
	if err := matchEndpoints(conf.Custodians, deps.Custodians); err != nil {
		return nil, err
	}
	pkg, _ := identifier.ParseObjectID(conf.PackageID)

	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewCache(deps.Clock)
	}

	keys := make([]threshold.Custodian, 0, len(deps.Custodians))
	for _, ep := range deps.Custodians {
		keys = append(keys, threshold.Custodian{ID: ep.Fetcher.ID(), PublicKey: ep.PublicKey})
	}
	enc, err := threshold.NewEncrypter(conf.Threshold, keys)
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	ro := deps.Retry
	if conf.Retry.MaxAttempts > 0 {
		ro.MaxAttempts = conf.Retry.MaxAttempts
	}
	if conf.Retry.BaseDelay > 0 {
		ro.BaseDelay = conf.Retry.BaseDelay
	}
	if conf.Retry.MaxDelay > 0 {
		ro.MaxDelay = conf.Retry.MaxDelay
	}
	if conf.Retry.Exponential {
		ro.Delay = retry.Exponential
	}

	c := &Client{
		log:        conf.Logger,
		config:     conf,
		pkg:        pkg,
		ledger:     deps.Ledger,
		contract:   chain.Contract{Package: pkg},
		proofs:     proof.New(pkg),
		blobs:      deps.Blobs,
		custodians: append([]Endpoint(nil), deps.Custodians...),
		encrypter:  enc,
		meta:       deps.Metastore,
		clock:      deps.Clock,
		manager:    session.NewManager(deps.Clock),
		sessions:   deps.Sessions,
		retry:      ro,
		pool:       workerpool.NewWorkerPool(workerpool.Config{WorkerCount: conf.Workers}),
		encoder:    encoder,
		decoder:    decoder,
	}
	c.subs.Store(&subscriptionIndex{byOwner: map[identifier.Address][]policy.Subscription{}})
	return c, nil
}

// matchEndpoints checks that endpoint i is the custodian
// the config names at position i. An empty configured
// public key is taken from the endpoint.
func matchEndpoints(confs []CustodianConfig, eps []Endpoint) error {
	for i, cc := range confs {
		id, err := identifier.ParseObjectID(cc.ID)
		if err != nil {
			return fmt.Errorf("custodians[%d].id: %w", i, err)
		}
		if got := eps[i].Fetcher.ID(); got != id {
			return fmt.Errorf("custodians[%d]: config names %s, endpoint is %s", i, id.Hex(), got.Hex())
		}
		if cc.PublicKey == "" {
			continue
		}
		pk, err := threshold.ParsePublicKey(cc.PublicKey)
		if err != nil {
			return fmt.Errorf("custodians[%d].publicKey: %w", i, err)
		}
		if pk != eps[i].PublicKey {
			return fmt.Errorf("custodians[%d]: public key of %s does not match endpoint", i, id.Hex())
		}
	}
	return nil
}

// PackageID returns the policy contract package.
func (c *Client) PackageID() identifier.ObjectID { return c.pkg }

// Session returns a signed credential for signer,
// reusing a cached one until it expires.
func (c *Client) Session(signer session.Signer) (*session.Credential, error) {
	return c.sessions.GetOrCreate(c.manager, signer, c.pkg, c.config.SessionTTLMinutes)
}

// Close stops the worker pool and the codecs. Calls
// already running fail with ErrClosed at their next
// fan-out and the codecs are released once they return.
// Close is idempotent and does not block.
func (c *Client) Close() error { // A
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()

		c.pool.Close()
		go func() {
			c.inflight.Wait()
			c.encoder.Close()
			c.decoder.Close()
		}()
	})
	return nil
}

func (c *Client) checkOpen() error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// begin registers a call that uses the pool or the
// codecs. The returned func must be called when it is
// done.
func (c *Client) begin() (func(), error) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.inflight.Add(1)
	return c.inflight.Done, nil
}

// goRoom queues job on room and reports a closed pool
// as ErrClosed.
func goRoom[T any](room *workerpool.Room[T], job func() T) error {
	if err := room.Go(job); err != nil {
		if errors.Is(err, workerpool.ErrPoolClosed) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	}
	return nil
}
