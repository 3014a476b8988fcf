package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/blobstore"
	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
	"github.com/i5heu/ouroboros-seal/pkg/metastore"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

func openKV(path string, inMemory bool) (*kvstore.Store, error) {
	if !inMemory {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	kvLog := logrus.New()
	kvLog.SetLevel(logrus.WarnLevel)
	return kvstore.Open(kvstore.Config{Path: path, InMemory: inMemory, Logger: kvLog})
}

// serveUntilDone runs srv until ctx is cancelled and
// then shuts it down.
func serveUntilDone(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.InfoContext(ctx, "listening", logKeyListenAddr, srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runBlobs(ctx context.Context, args []string, logger *slog.Logger) error { // A
	fs := newFlagSet("blobs")
	listen := fs.String("listen", ":9000", "address to listen on")
	data := fs.String("data", "./data/blobs", "badger directory")
	dataSlices := fs.Uint("data-slices", blobstore.DefaultDataSlices, "Reed-Solomon data slices per blob")
	paritySlices := fs.Uint("parity-slices", blobstore.DefaultParitySlices, "Reed-Solomon parity slices per blob")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataSlices == 0 || *dataSlices > 128 || *paritySlices > 128 {
		return fmt.Errorf("slice counts out of range: %d+%d", *dataSlices, *paritySlices)
	}

	kv, err := openKV(*data, false)
	if err != nil {
		return err
	}
	defer kv.Close()

	store, err := blobstore.NewLocal(blobstore.LocalConfig{
		Store:        kv,
		DataSlices:   uint8(*dataSlices),
		ParitySlices: uint8(*paritySlices),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "starting blob store", logKeyDataPath, *data)
	return serveUntilDone(ctx, &http.Server{
		Addr:              *listen,
		Handler:           blobstore.NewServer(store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}

func runMetastore(ctx context.Context, args []string, logger *slog.Logger) error { // A
	fs := newFlagSet("metastore")
	listen := fs.String("listen", ":9100", "address to listen on")
	data := fs.String("data", "./data/metastore", "badger directory")
	secretEnv := fs.String("secret-env", "SEAL_METASTORE_SECRET", "environment variable holding the write token secret")
	issue := fs.String("issue-token", "", "print a write token for this subject and exit")
	ttl := fs.Duration("token-ttl", 24*time.Hour, "lifetime of issued tokens")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := []byte(os.Getenv(*secretEnv))
	if *issue != "" {
		if len(secret) == 0 {
			return fmt.Errorf("%s is empty", *secretEnv)
		}
		token, err := metastore.IssueToken(secret, *issue, *ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}
	if len(secret) == 0 {
		logger.WarnContext(ctx, "no write secret set, writes are unauthenticated")
	}

	kv, err := openKV(*data, false)
	if err != nil {
		return err
	}
	defer kv.Close()

	e := metastore.NewServer(metastore.New(kv), metastore.ServerConfig{WriteSecret: secret, Logger: logger})
	logger.InfoContext(ctx, "starting metastore", logKeyDataPath, *data)
	return serveUntilDone(ctx, &http.Server{
		Addr:              *listen,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}, logger)
}
