package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	seal "github.com/i5heu/ouroboros-seal"
	"github.com/i5heu/ouroboros-seal/pkg/blobstore"
	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/custodian"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	"github.com/i5heu/ouroboros-seal/pkg/wallet"
)

// loopback serves h on an ephemeral local port until
// ctx is done.
func loopback(ctx context.Context, h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return "http://" + ln.Addr().String(), nil
}

// runDemo wires a ledger, custodians, a blob store and a
// metastore over loopback HTTP and runs both policy
// flows against them.
//
//nolint:cyclop // linear walkthrough
func runDemo(ctx context.Context, args []string, logger *slog.Logger) error { // A
	fs := newFlagSet("demo")
	n := fs.Int("custodians", 3, "number of key custodians")
	t := fs.Int("threshold", 2, "shares needed to decrypt")
	message := fs.String("message", "the eagle lands at dawn", "plaintext to seal")
	keyDir := fs.String("keys", "", "directory with wallet.yaml and custodian.yaml from keygen (optional)")
	down := fs.Int("down", 0, "number of custodians to take offline before decrypting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n < 1 || *t < 1 || *t > *n || *down < 0 || *down > *n {
		return fmt.Errorf("invalid custodian setup: n=%d threshold=%d down=%d", *n, *t, *down)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pkg, err := identifier.RandomObjectID()
	if err != nil {
		return err
	}
	ledger := chain.NewMemory(pkg, chain.WithIndexLag(1), chain.WithLogger(logger))

	alice, err := wallet.Generate()
	if err != nil {
		return err
	}
	if *keyDir != "" {
		if alice, err = wallet.LoadFile(filepath.Join(*keyDir, "wallet.yaml")); err != nil {
			return err
		}
	}
	bob, err := wallet.Generate()
	if err != nil {
		return err
	}
	carol, err := wallet.Generate()
	if err != nil {
		return err
	}

	hc := &http.Client{Timeout: 10 * time.Second}
	endpoints := make([]seal.Endpoint, 0, *n)
	servers := make([]*http.Server, 0, *n)
	for i := 0; i < *n; i++ {
		var (
			id identifier.ObjectID
			kp *threshold.KeyPair
		)
		if i == 0 && *keyDir != "" {
			id, kp, err = loadCustodianKey(filepath.Join(*keyDir, "custodian.yaml"))
		} else {
			kp, err = threshold.GenerateKeyPair()
			if err == nil {
				id, err = identifier.RandomObjectID()
			}
		}
		if err != nil {
			return err
		}
		c, err := custodian.New(custodian.Config{ID: id, Key: kp, Package: pkg, Ledger: ledger, Logger: logger})
		if err != nil {
			return err
		}

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: custodian.NewServer(c, custodian.WithLogger(logger)), ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = srv.Serve(ln) }()
		servers = append(servers, srv)

		client := custodian.NewHTTPClient(id, "http://"+ln.Addr().String(), hc)
		info, err := client.Info(ctx)
		if err != nil {
			return fmt.Errorf("custodian %d: %w", i, err)
		}
		endpoints = append(endpoints, seal.Endpoint{Fetcher: client, PublicKey: info.PublicKey})
		logger.InfoContext(ctx, "custodian up", logKeyCustodian, id.Hex(), logKeyListenAddr, ln.Addr().String())
	}
	defer func() {
		for _, srv := range servers {
			_ = srv.Close()
		}
	}()

	kv, err := openKV("", true)
	if err != nil {
		return err
	}
	defer kv.Close()
	local, err := blobstore.NewLocal(blobstore.LocalConfig{Store: kv, Logger: logger})
	if err != nil {
		return err
	}
	blobURL, err := loopback(ctx, blobstore.NewServer(local, logger))
	if err != nil {
		return err
	}

	secret := []byte("demo-secret")
	metaURL, err := loopback(ctx, metastore.NewServer(metastore.New(kv), metastore.ServerConfig{WriteSecret: secret, Logger: logger}))
	if err != nil {
		return err
	}
	token, err := metastore.IssueToken(secret, alice.Address().Hex(), time.Hour)
	if err != nil {
		return err
	}
	meta := metastore.NewClient(metaURL, token, hc)

	client, err := seal.New(seal.Config{
		PackageID: pkg.Hex(),
		Threshold: *t,
		Blob:      seal.BlobConfig{Publisher: blobURL},
		Metastore: seal.MetastoreConfig{AccessLog: true},
		Retry:     seal.RetryConfig{BaseDelay: 50 * time.Millisecond},
		Logger:    logger,
	}, seal.Deps{
		Ledger:     ledger,
		Blobs:      blobstore.NewClient(blobURL, blobURL, hc),
		Custodians: endpoints,
		Metastore:  meta,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// Allowlist flow.
	ref, err := client.CreateAllowlist(ctx, alice, "demo readers")
	if err != nil {
		return err
	}
	if err := client.AddMember(ctx, alice, ref, bob.Address()); err != nil {
		return err
	}
	listPolicy := policy.AllowlistPolicy{AllowlistID: ref.ID}
	pub, doc, err := client.Publish(ctx, []byte(*message), listPolicy, seal.PublishOptions{Owner: alice.Address()})
	if err != nil {
		return err
	}
	if err := client.PublishBlob(ctx, alice, ref, pub.BlobID); err != nil {
		return err
	}
	logger.InfoContext(ctx, "published", logKeyBlobID, pub.BlobID, "document", doc.ID, "url", pub.URL)

	for i := 0; i < *down; i++ {
		_ = servers[i].Close()
	}

	bobCred, err := client.Session(bob)
	if err != nil {
		return err
	}
	plain, err := client.Decrypt(ctx, pub.BlobID, bobCred, listPolicy)
	if err != nil {
		return fmt.Errorf("member decrypt: %w", err)
	}
	logger.InfoContext(ctx, "member decrypted", logKeyAddress, bob.Address().Hex(), "plaintext", string(plain))

	carolCred, err := client.Session(carol)
	if err != nil {
		return err
	}
	_, err = client.Decrypt(ctx, pub.BlobID, carolCred, listPolicy)
	switch {
	case errors.Is(err, sealerr.ErrNoAccess):
		logger.InfoContext(ctx, "non-member denied", logKeyAddress, carol.Address().Hex())
	case err == nil:
		return errors.New("non-member decrypted an allowlisted blob")
	default:
		return fmt.Errorf("non-member decrypt: %w", err)
	}

	total, succeeded, err := meta.AccessCount(ctx, pub.BlobID)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "access log", logKeyBlobID, pub.BlobID, "attempts", total, "succeeded", succeeded)

	// Subscription flow.
	serviceID, err := client.CreateService(ctx, alice, 10, time.Hour, "demo feed")
	if err != nil {
		return err
	}
	issue, err := client.Encrypt(ctx, []byte("subscriber edition: "+*message), serviceID)
	if err != nil {
		return err
	}
	ledger.Mint(carol.Address(), 10)
	if _, err := client.Subscribe(ctx, carol, serviceID); err != nil {
		return err
	}
	subPolicy, err := client.SubscriptionFor(ctx, carol.Address(), serviceID)
	if err != nil {
		return err
	}
	plain, err = client.Decrypt(ctx, issue.BlobID, carolCred, subPolicy)
	if err != nil {
		return fmt.Errorf("subscriber decrypt: %w", err)
	}
	logger.InfoContext(ctx, "subscriber decrypted", logKeyAddress, carol.Address().Hex(), "plaintext", string(plain))

	unlocked, err := meta.HasUnlocked(ctx, serviceID.Hex(), carol.Address().Hex())
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "unlock recorded", "unlocked", unlocked, "sellerBalance", ledger.Balance(alice.Address()))
	return nil
}
