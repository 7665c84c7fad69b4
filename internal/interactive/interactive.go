// Package interactive implements the numbered console menu spec.md §11
// supplements from device/simulator.py's loop_interactive /
// loop_interactive_custom in the Python original: a stdin-driven REPL that
// lets an operator manually fire flow_charge/flow_heartbeat/flow_authorize
// or send one fully custom message against a live device.
package interactive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/flow"
)

const menu = `
What should I do? (enter the number + enter)
0: Exit
1: Flow charge
2: Flow heartbeat
3: Flow authorize
99: Single message
`

// CustomSender issues one fully custom request, bypassing every named
// flow — the Go equivalent of loop_interactive_custom's by_device_req_send_raw
// escape hatch. A nil CustomSender makes option 99 report that custom
// messages are not supported; Simulator.Start passes nil.
type CustomSender func(ctx context.Context, action string, payload json.RawMessage) error

// Console drives one device's interactive menu over in/out.
type Console struct {
	orch    *flow.Orchestrator
	opts    *flow.Options
	send    CustomSender
	in      *bufio.Reader
	out     io.Writer
	log     zerolog.Logger
}

func New(orch *flow.Orchestrator, opts *flow.Options, send CustomSender, in io.Reader, out io.Writer, log zerolog.Logger) *Console {
	return &Console{orch: orch, opts: opts, send: send, in: bufio.NewReader(in), out: out, log: log}
}

// Run blocks, serving the menu until the operator chooses 0 (Exit) or ctx
// is cancelled.
func (c *Console) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Fprint(c.out, menu)
		line, err := c.in.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(line) {
		case "0":
			return
		case "1":
			c.orch.Charge(ctx, true, c.opts)
		case "2":
			c.orch.Heartbeat(ctx)
		case "3":
			c.orch.Authorize(ctx, c.opts)
		case "99":
			c.runCustom(ctx)
		default:
			fmt.Fprintln(c.out, "unrecognized choice")
		}
	}
}

func (c *Console) runCustom(ctx context.Context) {
	fmt.Fprint(c.out, "Enter full custom action name:\n")
	action, err := c.in.ReadString('\n')
	if err != nil {
		return
	}
	fmt.Fprint(c.out, "Enter full custom payload (JSON):\n")
	payloadLine, err := c.in.ReadString('\n')
	if err != nil {
		return
	}

	if c.send == nil {
		fmt.Fprintln(c.out, "custom messages are not supported on this dialect")
		return
	}
	if err := c.send(ctx, strings.TrimSpace(action), json.RawMessage(strings.TrimSpace(payloadLine))); err != nil {
		fmt.Fprintf(c.out, "custom message failed: %v\n", err)
		c.log.Warn().Err(err).Str("action", action).Msg("interactive: custom message failed")
	}
}
