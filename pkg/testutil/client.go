package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-devicehive/pkg/client"
)

// DefaultClientOptions returns client options suited to tests: the debug
// logger, short timeouts and fast reconnects.
func DefaultClientOptions() client.Options {
	opts := client.DefaultOptions()
	opts.Logger = DefaultLogger
	opts.RequestTimeout = 2 * time.Second
	opts.ReconnectAttempts = 20
	opts.ReconnectDelayMin = 20 * time.Millisecond
	opts.ReconnectDelayMax = 200 * time.Millisecond
	return opts
}

// NewTestClient connects a client to urlStr with DefaultClientOptions and
// disconnects it when the test ends.
func NewTestClient(t *testing.T, urlStr string) *client.Client {
	t.Helper()
	return NewTestClientWithOptions(t, urlStr, DefaultClientOptions())
}

// NewTestClientWithOptions connects a client with the given options.
func NewTestClientWithOptions(t *testing.T, urlStr string, opts client.Options) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := client.ConnectWithOptions(ctx, urlStr, opts)
	if err != nil {
		t.Fatalf("client.ConnectWithOptions(%s): %v", urlStr, err)
	}
	t.Cleanup(func() {
		cli.Disconnect()
	})
	return cli
}
