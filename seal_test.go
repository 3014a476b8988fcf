package seal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/blobstore"
	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/custodian"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/retry"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	"github.com/i5heu/ouroboros-seal/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPackage = identifier.ObjectID{0x5E, 0xA1}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingFetcher counts requests and can be switched
// off to simulate an unreachable custodian, or made to
// refuse every request with reject.
type countingFetcher struct {
	custodian.Fetcher
	calls  atomic.Int32
	down   atomic.Bool
	reject atomic.Pointer[error]
}

func (f *countingFetcher) FetchShares(ctx context.Context, req custodian.Request) (custodian.Response, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return custodian.Response{}, fmt.Errorf("%w: connection refused", custodian.ErrUnavailable)
	}
	if err := f.reject.Load(); err != nil {
		return custodian.Response{}, *err
	}
	return f.Fetcher.FetchShares(ctx, req)
}

// countingBlobs counts downloads and tracks how many run
// at once. onGet, if set, runs before each download.
type countingBlobs struct {
	blobstore.Store
	gets    atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	onGet   func()
}

func (b *countingBlobs) Get(ctx context.Context, blobID string) ([]byte, error) {
	b.gets.Add(1)
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if b.onGet != nil {
		b.onGet()
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	return b.Store.Get(ctx, blobID)
}

type harness struct {
	ctx        context.Context
	clk        *clock.Fake
	ledger     *chain.Memory
	fetchers   []*countingFetcher
	blobs      *countingBlobs
	meta       *metastore.Store
	client     *Client
	alice, bob *wallet.Wallet
}

type harnessOption func(*Config)

func withBatchSize(n int) harnessOption { return func(c *Config) { c.BatchSize = n } }

func withAccessLog() harnessOption { return func(c *Config) { c.Metastore.AccessLog = true } }

func newHarness(t *testing.T, custodians int, lag int, opts ...harnessOption) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := chain.NewMemory(testPackage, chain.WithClock(clk), chain.WithIndexLag(lag), chain.WithLogger(discardLogger()))

	endpoints := make([]Endpoint, 0, custodians)
	fetchers := make([]*countingFetcher, 0, custodians)
	for i := 0; i < custodians; i++ {
		kp, err := threshold.GenerateKeyPair()
		require.NoError(t, err)
		c, err := custodian.New(custodian.Config{
			ID:      identifier.ObjectID{0xC0, byte(i + 1)},
			Key:     kp,
			Package: testPackage,
			Ledger:  ledger,
			Clock:   clk,
			Logger:  discardLogger(),
		})
		require.NoError(t, err)
		f := &countingFetcher{Fetcher: c}
		fetchers = append(fetchers, f)
		endpoints = append(endpoints, Endpoint{Fetcher: f, PublicKey: kp.Public})
	}

	kv, err := kvstore.Open(kvstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	local, err := blobstore.NewLocal(blobstore.LocalConfig{Store: kv, Logger: discardLogger()})
	require.NoError(t, err)
	blobs := &countingBlobs{Store: local}
	meta := metastore.New(kv)

	conf := Config{PackageID: testPackage.Hex(), Logger: discardLogger()}
	for _, o := range opts {
		o(&conf)
	}
	client, err := New(conf, Deps{
		Ledger:     ledger,
		Blobs:      blobs,
		Custodians: endpoints,
		Metastore:  metastore.Local{Store: meta},
		Clock:      clk,
		Retry: retry.Options{
			Sleep: func(context.Context, time.Duration) error { return nil },
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	alice, err := wallet.Generate()
	require.NoError(t, err)
	bob, err := wallet.Generate()
	require.NoError(t, err)

	return &harness{
		ctx:      context.Background(),
		clk:      clk,
		ledger:   ledger,
		fetchers: fetchers,
		blobs:    blobs,
		meta:     meta,
		client:   client,
		alice:    alice,
		bob:      bob,
	}
}

func (h *harness) custodianCalls() int {
	var n int
	for _, f := range h.fetchers {
		n += int(f.calls.Load())
	}
	return n
}

func TestNewRejectsBadConfig(t *testing.T) {
	h := newHarness(t, 1, 0)
	_, err := New(Config{PackageID: "zz"}, Deps{Ledger: h.ledger, Blobs: h.blobs})
	require.Error(t, err)

	kp, err := threshold.GenerateKeyPair()
	require.NoError(t, err)
	c, err := custodian.New(custodian.Config{ID: identifier.ObjectID{1}, Key: kp, Ledger: h.ledger})
	require.NoError(t, err)
	_, err = New(
		Config{PackageID: testPackage.Hex(), Threshold: 2},
		Deps{Ledger: h.ledger, Blobs: h.blobs, Custodians: []Endpoint{{Fetcher: c, PublicKey: kp.Public}}},
	)
	require.Error(t, err, "threshold above custodian count")
}

func TestNewRejectsMismatchedCustodians(t *testing.T) {
	h := newHarness(t, 2, 0)
	endpoints := append([]Endpoint(nil), h.client.custodians...)
	other, err := threshold.GenerateKeyPair()
	require.NoError(t, err)

	conf := func(ids []string, keys []string) Config {
		c := Config{PackageID: testPackage.Hex(), Threshold: 1, Logger: discardLogger()}
		for i := range ids {
			c.Custodians = append(c.Custodians, CustodianConfig{ID: ids[i], PublicKey: keys[i]})
		}
		return c
	}
	deps := Deps{Ledger: h.ledger, Blobs: h.blobs, Custodians: endpoints}
	id0, id1 := endpoints[0].Fetcher.ID().Hex(), endpoints[1].Fetcher.ID().Hex()
	pk0, pk1 := endpoints[0].PublicKey.Hex(), endpoints[1].PublicKey.Hex()

	c, err := New(conf([]string{id0, id1}, []string{pk0, ""}), deps)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = New(conf([]string{id1, id0}, []string{"", ""}), deps)
	require.ErrorContains(t, err, "endpoint is", "ids out of order")

	_, err = New(conf([]string{id0, identifier.ObjectID{0xEE}.Hex()}, []string{"", ""}), deps)
	require.Error(t, err, "unknown custodian id")

	_, err = New(conf([]string{id0, id1}, []string{pk0, other.Public.Hex()}), deps)
	require.ErrorContains(t, err, "public key")
	_, err = New(conf([]string{id0, id1}, []string{pk1, pk0}), deps)
	require.ErrorContains(t, err, "public key")
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, 1, 0)
	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())

	_, err := h.client.Encrypt(h.ctx, []byte("x"), identifier.ObjectID{1})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseDuringDecrypt(t *testing.T) {
	h := newHarness(t, 3, 0)
	ref := h.memberList(t)
	pub, err := h.client.Encrypt(h.ctx, []byte("closing"), ref.ID)
	require.NoError(t, err)
	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)

	h.blobs.onGet = func() { h.client.Close() }
	require.NotPanics(t, func() {
		_, err = h.client.Decrypt(h.ctx, pub.BlobID, cred, policy.AllowlistPolicy{AllowlistID: ref.ID})
	})
	require.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, h.custodianCalls())
}

func TestCloseDuringDecryptBatch(t *testing.T) {
	h := newHarness(t, 3, 0, withBatchSize(2))
	ref := h.memberList(t)
	var ids []string
	for i := 0; i < 5; i++ {
		pub, err := h.client.Encrypt(h.ctx, []byte{byte(i)}, ref.ID)
		require.NoError(t, err)
		ids = append(ids, pub.BlobID)
	}
	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)

	h.blobs.onGet = func() { h.client.Close() }
	require.NotPanics(t, func() {
		_, err = h.client.DecryptBatch(h.ctx, ids, cred, policy.AllowlistPolicy{AllowlistID: ref.ID})
	})
	require.ErrorIs(t, err, ErrClosed)
}
