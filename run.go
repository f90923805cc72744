package strata

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Entrypoint for the dev build service
////////////////////////////////////////////////////////////////////////////////

// Run starts buildd for local development: an embedded NATS server (unless
// STRATA_NATS_URL points at an external one), the KV-backed store, the
// on-disk context store, and the base-image catalog seeded for the default
// Python version. Blocks until interrupted.
func Run() {
	mainLog := appLoggerForProcess().Source("main")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	natsURL := os.Getenv(natsURLEnv)
	if natsURL == "" {
		ns, url, jsDir, err := startEmbeddedNATS()
		if err != nil {
			mainLog.Fatalf("start embedded nats: %v", err)
		}
		defer func() {
			ns.Shutdown()
			ns.WaitForShutdown()
			_ = os.RemoveAll(jsDir)
		}()
		natsURL = url
	}

	nc, err := nats.Connect(natsURL, nats.Name("buildd"))
	if err != nil {
		mainLog.Fatalf("connect nats: %v", err)
	}
	defer func() {
		if derr := nc.Drain(); derr != nil {
			mainLog.Warnf("nats drain error: %v", derr)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		mainLog.Fatalf("jetstream: %v", err)
	}
	store, err := newStore(ctx, js)
	if err != nil {
		mainLog.Fatalf("store: %v", err)
	}

	contexts := NewFSContexts(defaultContextsRoot)
	if err := os.MkdirAll(defaultContextsRoot, dirModePrivateRead); err != nil {
		mainLog.Fatalf("mkdir contexts root: %v", err)
	}

	buildd := NewBuildd(nc, store, contexts)
	if err := buildd.Start(ctx); err != nil {
		mainLog.Fatalf("start buildd: %v", err)
	}
	defer buildd.Stop()

	pythonVersion := envOr(pythonVersionEnv, defaultPythonVersion)
	for _, tag := range []string{
		fmt.Sprintf("python-%s-slim-buster-base", pythonVersion),
		fmt.Sprintf("python-%s-slim-buster-builder", pythonVersion),
	} {
		if _, err := buildd.SeedPublishedTag(ctx, tag); err != nil {
			mainLog.Fatalf("seed tag %s: %v", tag, err)
		}
		mainLog.Infof("published %s", tag)
	}

	mainLog.Infof("NATS: %s", natsURL)
	mainLog.Infof("Contexts root: %s", defaultContextsRoot)
	<-ctx.Done()
	mainLog.Infof("shutting down")
}
