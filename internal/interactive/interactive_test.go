package interactive_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/flow"
	"github.com/charging-platform/charge-point-simulator/internal/interactive"
)

// fakeDevice is a minimal flow.FlowDevice for exercising the menu without
// a real dialect.
type fakeDevice struct {
	heartbeats int
	authorizes int
	charges    int
}

func (f *fakeDevice) FlowHeartbeat(ctx context.Context) bool { f.heartbeats++; return true }
func (f *fakeDevice) FlowAuthorize(ctx context.Context, opts *flow.Options) bool {
	f.authorizes++
	return true
}
func (f *fakeDevice) FlowCharge(ctx context.Context, autoStop bool, opts *flow.Options) bool {
	f.charges++
	return true
}

func noopEmit(_ errevent.Event) {}

func TestConsole_Run_HeartbeatAuthorizeChargeThenExit(t *testing.T) {
	dev := &fakeDevice{}
	orch := flow.NewOrchestrator(dev, noopEmit)
	var out bytes.Buffer
	in := strings.NewReader("2\n3\n1\n0\n")

	c := interactive.New(orch, &flow.Options{}, nil, in, &out, zerolog.Nop())
	c.Run(context.Background())

	assert.Equal(t, 1, dev.heartbeats)
	assert.Equal(t, 1, dev.authorizes)
	assert.Equal(t, 1, dev.charges)
}

func TestConsole_Run_UnrecognizedChoice(t *testing.T) {
	dev := &fakeDevice{}
	orch := flow.NewOrchestrator(dev, noopEmit)
	var out bytes.Buffer
	in := strings.NewReader("42\n0\n")

	c := interactive.New(orch, &flow.Options{}, nil, in, &out, zerolog.Nop())
	c.Run(context.Background())

	assert.Contains(t, out.String(), "unrecognized choice")
}

func TestConsole_Run_CustomMessage(t *testing.T) {
	dev := &fakeDevice{}
	orch := flow.NewOrchestrator(dev, noopEmit)
	var out bytes.Buffer

	var sentAction string
	var sentPayload json.RawMessage
	send := func(ctx context.Context, action string, payload json.RawMessage) error {
		sentAction = action
		sentPayload = payload
		return nil
	}

	in := strings.NewReader("99\nDataTransfer\n{\"vendorId\":\"ensto\"}\n0\n")
	c := interactive.New(orch, &flow.Options{}, send, in, &out, zerolog.Nop())
	c.Run(context.Background())

	require.Equal(t, "DataTransfer", sentAction)
	assert.JSONEq(t, `{"vendorId":"ensto"}`, string(sentPayload))
}

func TestConsole_Run_CustomMessageUnsupported(t *testing.T) {
	dev := &fakeDevice{}
	orch := flow.NewOrchestrator(dev, noopEmit)
	var out bytes.Buffer

	in := strings.NewReader("99\nDataTransfer\n{}\n0\n")
	c := interactive.New(orch, &flow.Options{}, nil, in, &out, zerolog.Nop())
	c.Run(context.Background())

	assert.Contains(t, out.String(), "not supported")
}
