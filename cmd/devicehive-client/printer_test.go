package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/lightforgemedia/go-devicehive/pkg/model"
	"github.com/stretchr/testify/assert"
)

func TestPrinter(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	p := newPrinter(&buf)

	p.Command(&model.DeviceCommand{ID: 7, Command: "reboot", DeviceGUID: "dev-1", Parameters: json.RawMessage(`{"delay":5}`)})
	p.Update(&model.DeviceCommand{ID: 7, Status: "done"})
	p.Notification(&model.DeviceNotification{ID: 3, Notification: "temperature", DeviceGUID: "dev-1"})

	assert.Equal(t,
		"command      #7 reboot device=dev-1 params={\"delay\":5}\n"+
			"update       #7 status=done result=-\n"+
			"notification #3 temperature device=dev-1 params=-\n",
		buf.String())
}
