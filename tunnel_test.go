//nolint:testpackage // Readiness probe tests exercise unexported helpers.
package strata

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTunnel_AwaitListenerSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	if err := awaitListener(context.Background(), ln.Addr().String(), 2*time.Second); err != nil {
		t.Fatalf("probe against live listener: %v", err)
	}
}

func TestTunnel_AwaitListenerTimesOut(t *testing.T) {
	// Grab a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	start := time.Now()
	if err := awaitListener(context.Background(), addr, 300*time.Millisecond); err == nil {
		t.Fatal("probe succeeded against closed port")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("probe did not respect its deadline")
	}
}

func TestTunnel_AwaitListenerHonorsCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := awaitListener(ctx, addr, 10*time.Second); err == nil {
		t.Fatal("cancelled probe returned success")
	}
}

func TestTunnel_NilInfoRunsDirectly(t *testing.T) {
	ran := false
	err := WithProxyTunnel(context.Background(), nil, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("nil proxy info: %v", err)
	}
	if !ran {
		t.Fatal("callback did not run")
	}
}
