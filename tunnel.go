package strata

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// Proxy tunnel: scoped external ssh process with guaranteed teardown
////////////////////////////////////////////////////////////////////////////////

// ProxyInfo describes an SSH-reachable proxy host forwarding one remote port
// to the same local port.
type ProxyInfo struct {
	ElasticIP  string
	RemoteAddr string
	RemotePort int
	ProxyKey   string
}

// WithProxyTunnel runs fn with the tunnel up. A nil info means no proxy is
// needed and fn runs directly. The ssh process and the on-disk key are torn
// down on every exit path, fn failure included. Readiness is probed by
// dialing the forwarded port rather than sleeping a fixed interval.
func WithProxyTunnel(ctx context.Context, info *ProxyInfo, fn func(ctx context.Context) error) error {
	if info == nil {
		return fn(ctx)
	}
	log := appLoggerForProcess().Source("tunnel")

	keyFile, err := os.CreateTemp("", "strata-proxy-*.pem")
	if err != nil {
		return fmt.Errorf("create proxy key file: %w", err)
	}
	keyPath := keyFile.Name()
	defer func() {
		_ = os.Remove(keyPath)
	}()
	if _, err := keyFile.WriteString(info.ProxyKey); err != nil {
		_ = keyFile.Close()
		return fmt.Errorf("write proxy key: %w", err)
	}
	if err := keyFile.Close(); err != nil {
		return fmt.Errorf("close proxy key: %w", err)
	}
	if err := os.Chmod(keyPath, fileModePrivate); err != nil {
		return fmt.Errorf("chmod proxy key: %w", err)
	}

	forward := fmt.Sprintf("%d:%s:%d", info.RemotePort, info.RemoteAddr, info.RemotePort)
	// #nosec G204 -- arguments come from the service's proxy descriptor.
	cmd := exec.CommandContext(ctx, "ssh",
		"-i", keyPath,
		"-T", "-n", "-N",
		"-L", forward,
		"ubuntu@"+info.ElasticIP,
		"-o", "StrictHostKeyChecking=no",
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ssh tunnel: %w", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	localAddr := fmt.Sprintf("127.0.0.1:%d", info.RemotePort)
	if err := awaitListener(ctx, localAddr, tunnelReadyWait); err != nil {
		return fmt.Errorf("tunnel to %s not ready: %w", info.ElasticIP, err)
	}
	log.Debugf("tunnel ready on %s", localAddr)
	return fn(ctx)
}

// awaitListener polls addr until something accepts a TCP connection or the
// deadline passes.
func awaitListener(ctx context.Context, addr string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, tunnelReadyProbeStep)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no listener on %s after %s", addr, wait)
		}
		time.Sleep(tunnelReadyProbeStep)
	}
}
