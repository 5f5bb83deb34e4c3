package coe

import (
	"fmt"
	"time"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is the per-response timeout used by dictionary, upload,
// and download requests that don't override it.
const DefaultTimeout = 3000 * time.Millisecond

const pollInterval = time.Millisecond

// Client drives CoE requests for one slave over a shared mailbox
// transport. Grounded on the teacher's SDOClient, which plays the same
// role for CANopen SDO over a CAN bus.
type Client struct {
	transport *mailbox.Transport
	slave     uint16
	logger    *log.Logger
}

func NewClient(transport *mailbox.Transport, slave uint16, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{transport: transport, slave: slave, logger: logger}
}

// exchange sends payload as a CoE frame and polls for the matching
// response, retrying until timeout elapses. Mirrors the teacher's
// ReadRaw/WriteRaw poll loop (send once, sleep-and-poll for the reply)
// rather than driving a realtime cyclic state machine, since CoE
// configuration traffic is acyclic.
func (c *Client) exchange(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := c.transport.Send(c.slave, mailbox.TypeCoE, payload); err != nil {
		return nil, fmt.Errorf("coe: send: %w", err)
	}
	return c.awaitResponse(timeout)
}

// awaitResponse polls for a reply without sending a new request, used
// to follow fragmented SDO Info replies the slave keeps streaming on
// its own after the initial request.
func (c *Client) awaitResponse(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if resp, ok := c.transport.Consume(c.slave, mailbox.TypeCoE); ok {
			return resp, nil
		}
		proto, resp, ok, err := c.transport.Poll(c.slave)
		if err != nil {
			return nil, err
		}
		if ok && proto == mailbox.TypeCoE {
			c.transport.Consume(c.slave, mailbox.TypeCoE)
			return resp, nil
		}
		if time.Now().After(deadline) {
			return nil, AbortTimeout
		}
		time.Sleep(pollInterval)
	}
}

func isAbort(resp []byte) bool {
	return len(resp) > 2 && resp[2] == cmdAbort
}
