// Package testutil provides common test utilities for the go-devicehive packages.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lightforgemedia/go-devicehive/pkg/broker"
)

// WaitForPeers waits until the broker has exactly n connected peers.
func WaitForPeers(t *testing.T, b *broker.Broker, n int, timeout time.Duration) error {
	t.Helper()
	err := WaitFor(t, fmt.Sprintf("%d connected peers", n), timeout, func() bool {
		return b.PeerCount() == n
	})
	if err != nil {
		t.Logf("WaitForPeers: broker has %d peers", b.PeerCount())
	}
	return err
}

// WaitForDevice waits until deviceID is bound to a live connection.
func WaitForDevice(t *testing.T, b *broker.Broker, deviceID string, timeout time.Duration) error {
	t.Helper()
	return WaitFor(t, "device "+deviceID+" bound", timeout, func() bool {
		return b.DeviceOnline(deviceID)
	})
}

// WaitFor is a generic utility to wait for a condition to be true.
// It returns nil if the condition becomes true within the timeout.
// It returns an error if the condition does not become true within the timeout.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil // Condition is true, success
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition '%s' not met within %v", description, timeout)
}

// WaitForWithContext is a generic utility to wait for a condition to be true with context support.
func WaitForWithContext(ctx context.Context, t *testing.T, description string, condition func() bool) error {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for condition '%s': %v", description, ctx.Err())
		case <-ticker.C:
		}
	}
}
