package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/i5heu/ouroboros-seal/pkg/logging"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyAddress    = "address"
	logKeyCustodian  = "custodian"
	logKeyBlobID     = "blobId"
	logKeyPath       = "path"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: sealctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen     write a wallet and a custodian key")
	fmt.Fprintln(os.Stderr, "  blobs      serve a blob store over HTTP")
	fmt.Fprintln(os.Stderr, "  metastore  serve the metadata store over HTTP")
	fmt.Fprintln(os.Stderr, "  demo       run an allowlist and a subscription flow end to end")
}

func main() { // A
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var run func(ctx context.Context, args []string, logger *slog.Logger) error
	switch os.Args[1] {
	case "keygen":
		run = runKeygen
	case "blobs":
		run = runBlobs
	case "metastore":
		run = runMetastore
	case "demo":
		run = runDemo
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: logging.ParseLevel(os.Getenv("SEAL_LOG_LEVEL"))})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, os.Args[2:], logger); err != nil {
		logger.ErrorContext(context.Background(), os.Args[1]+" failed", logKeyError, err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set that reports errors
// instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}
