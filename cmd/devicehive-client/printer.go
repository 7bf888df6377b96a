package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
)

// printer writes one colored line per event. Safe for concurrent use.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	command      func(format string, a ...interface{}) string
	update       func(format string, a ...interface{}) string
	notification func(format string, a ...interface{}) string
	status       func(format string, a ...interface{}) string
	failure      func(format string, a ...interface{}) string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:          out,
		command:      color.New(color.FgCyan, color.Bold).SprintfFunc(),
		update:       color.New(color.FgGreen).SprintfFunc(),
		notification: color.New(color.FgMagenta).SprintfFunc(),
		status:       color.New(color.FgYellow).SprintfFunc(),
		failure:      color.New(color.FgRed, color.Bold).SprintfFunc(),
	}
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *printer) Command(cmd *model.DeviceCommand) {
	p.line(p.command("command      #%d %s device=%s params=%s", cmd.ID, cmd.Command, cmd.DeviceGUID, raw(cmd.Parameters)))
}

func (p *printer) Update(cmd *model.DeviceCommand) {
	p.line(p.update("update       #%d status=%s result=%s", cmd.ID, cmd.Status, raw(cmd.Result)))
}

func (p *printer) Notification(n *model.DeviceNotification) {
	p.line(p.notification("notification #%d %s device=%s params=%s", n.ID, n.Notification, n.DeviceGUID, raw(n.Parameters)))
}

func (p *printer) Status(format string, a ...interface{}) {
	p.line(p.status(format, a...))
}

func (p *printer) Failure(format string, a ...interface{}) {
	p.line(p.failure(format, a...))
}

func raw(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return string(b)
}
