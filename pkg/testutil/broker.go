// Package testutil provides common test utilities for the go-devicehive packages.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-devicehive/pkg/broker"
)

var (
	// Default logger for tests
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	DefaultLogger = slog.New(defaultSlogHandler)
)

// BrokerServer combines a broker and its HTTP server for testing.
type BrokerServer struct {
	*broker.Broker
	HTTP *httptest.Server

	// ClientURL and DeviceURL are the websocket endpoints for each role.
	ClientURL string
	DeviceURL string
}

// NewBrokerServer creates a new broker behind an httptest.Server serving
// the broker's full route set. Both are torn down with the test.
func NewBrokerServer(t *testing.T, opts ...broker.Option) *BrokerServer {
	t.Helper()

	finalOpts := append([]broker.Option{broker.WithLogger(DefaultLogger)}, opts...)
	b, err := broker.New(finalOpts...)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	srv := httptest.NewServer(b.Handler())
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
		srv.Close()
	})

	return &BrokerServer{
		Broker:    b,
		HTTP:      srv,
		ClientURL: wsBase + "/websocket/client",
		DeviceURL: wsBase + "/websocket/device",
	}
}
