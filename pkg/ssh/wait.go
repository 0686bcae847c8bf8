package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/paasctl/paasctl/pkg/resilience"
)

const (
	// ReadyTimeout bounds how long WaitForReady polls a fresh VM.
	ReadyTimeout = 600 * time.Second

	// ReadyInterval is the fixed delay between readiness probes.
	ReadyInterval = 10 * time.Second

	// readyConnectTimeout is the per-probe TCP connect timeout.
	readyConnectTimeout = 5 * time.Second
)

// WaitForReady polls until the host accepts TCP connections on the SSH
// port. The poll uses a fixed interval, bounded by ReadyTimeout and the
// context. Every probe failure is retryable here: a fresh VM refuses
// connections until sshd comes up.
func WaitForReady(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)

	probe := func() error {
		conn, err := net.DialTimeout("tcp", addr, readyConnectTimeout)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}

	err := resilience.RetryWithBackoff(ctx, probe,
		resilience.WithInitialDelay(ReadyInterval),
		resilience.WithMaxDelay(ReadyInterval),
		resilience.WithMaxElapsed(ReadyTimeout),
		resilience.WithRetryClassifier(func(error) bool { return true }),
	)
	if err != nil {
		return fmt.Errorf("host %s not reachable within %s: %w", addr, ReadyTimeout, err)
	}
	return nil
}
