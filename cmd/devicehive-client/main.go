// devicehive-client/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lightforgemedia/go-devicehive/pkg/client"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/websocket/client", "server websocket URL (use /websocket/device for -device)")
	deviceID := flag.String("device", "", "run as this device: authenticate with -key, accept commands and acknowledge them")
	deviceKey := flag.String("key", "", "device key")
	login := flag.String("login", "", "user login")
	password := flag.String("password", "", "user password")
	accessKey := flag.String("access-key", "", "access key")
	watch := flag.String("watch", "", "comma-separated device GUIDs to watch (empty watches all)")
	names := flag.String("names", "", "comma-separated command/notification names to watch")
	send := flag.String("send", "", "insert this command for the first -watch device and print its updates")
	params := flag.String("params", "", "JSON parameters for -send")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	out := newPrinter(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := client.DefaultOptions()
	opts.Logger = logger
	opts.RequestTimeout = 10 * time.Second
	cli, err := client.ConnectWithOptions(ctx, *url, opts)
	if err != nil {
		out.Failure("connect %s: %v", *url, err)
		os.Exit(1)
	}
	defer cli.Disconnect()
	out.Status("connected to %s (api %s)", *url, cli.Info().APIVersion)

	cli.OnConnectionLost(func() { out.Status("connection lost, reconnecting...") })
	cli.OnConnectionRestored(func() { out.Status("connection restored, subscriptions replayed") })

	var principal *model.Principal
	switch {
	case *deviceID != "":
		principal = model.NewDevicePrincipal(*deviceID, *deviceKey)
	case *login != "":
		principal = model.NewUserPrincipal(*login, *password)
	case *accessKey != "":
		principal = model.NewAccessKeyPrincipal(*accessKey)
	}
	if principal != nil {
		if err := cli.Authenticate(ctx, principal); err != nil {
			out.Failure("authenticate: %v", err)
			os.Exit(1)
		}
		out.Status("authenticated")
	}

	filter := &model.SubscriptionFilter{DeviceGUIDs: splitList(*watch), Names: splitList(*names)}

	if *deviceID != "" {
		runDevice(ctx, cli, out, *deviceID, filter)
	} else if err := runClient(ctx, cli, out, filter, *send, *params); err != nil {
		out.Failure("%v", err)
		os.Exit(1)
	}

	<-ctx.Done()
	out.Status("bye")
}

// runDevice accepts commands for deviceID and acknowledges each one.
func runDevice(ctx context.Context, cli *client.Client, out *printer, deviceID string, filter *model.SubscriptionFilter) {
	_, err := cli.SubscribeCommands(ctx, filter, func(cmd *model.DeviceCommand) {
		out.Command(cmd)
		err := cli.UpdateCommand(ctx, deviceID, &model.DeviceCommand{
			ID:     cmd.ID,
			Status: "done",
			Result: json.RawMessage(`{"handledAt":"` + time.Now().UTC().Format(time.RFC3339) + `"}`),
		})
		if err != nil {
			out.Failure("update command %d: %v", cmd.ID, err)
		}
	})
	if err != nil {
		out.Failure("subscribe commands: %v", err)
		return
	}
	out.Status("device %s waiting for commands", deviceID)
}

// runClient watches commands and notifications and optionally sends one command.
func runClient(ctx context.Context, cli *client.Client, out *printer, filter *model.SubscriptionFilter, send, params string) error {
	if _, err := cli.SubscribeCommands(ctx, filter, out.Command); err != nil {
		return err
	}
	if _, err := cli.SubscribeNotifications(ctx, filter, out.Notification); err != nil {
		return err
	}
	out.Status("watching %v", watchTarget(filter))

	if send == "" {
		return nil
	}
	if len(filter.DeviceGUIDs) == 0 {
		out.Failure("-send needs a device in -watch")
		return nil
	}
	cmd := &model.DeviceCommand{Command: send}
	if params != "" {
		if !json.Valid([]byte(params)) {
			out.Failure("-params is not valid JSON")
			return nil
		}
		cmd.Parameters = json.RawMessage(params)
	}
	stored, err := cli.InsertCommand(ctx, filter.DeviceGUIDs[0], cmd, out.Update)
	if err != nil {
		return err
	}
	out.Status("command #%d sent to %s", stored.ID, stored.DeviceGUID)
	return nil
}

func watchTarget(f *model.SubscriptionFilter) string {
	if len(f.DeviceGUIDs) == 0 {
		return "all devices"
	}
	return strings.Join(f.DeviceGUIDs, ", ")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
