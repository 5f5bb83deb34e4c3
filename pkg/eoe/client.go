package eoe

import (
	"time"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is the response timeout SetIPParameter uses when the
// caller doesn't override it.
const DefaultTimeout = 3000 * time.Millisecond

const pollInterval = time.Millisecond

// Client issues EoE requests for one slave over a shared mailbox
// transport. Grounded on the teacher's LSSMaster, which plays the same
// "one request in flight, poll for the matching response" role for LSS.
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

// SetIPParameter sends cfg to the slave and waits for the response,
// returning its result code as an error when non-zero.
func (c *Client) SetIPParameter(cfg IPConfig, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := c.transport.Send(c.slave, mailbox.TypeEoE, Encode(cfg)); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		if resp, ok := c.transport.Consume(c.slave, mailbox.TypeEoE); ok {
			return DecodeResponse(resp)
		}
		proto, resp, ok, err := c.transport.Poll(c.slave)
		if err != nil {
			return err
		}
		if ok && proto == mailbox.TypeEoE {
			c.transport.Consume(c.slave, mailbox.TypeEoE)
			return DecodeResponse(resp)
		}
		if time.Now().After(deadline) {
			return &timeoutError{slave: c.slave}
		}
		time.Sleep(pollInterval)
	}
}

type timeoutError struct{ slave uint16 }

func (e *timeoutError) Error() string {
	return "eoe: timed out waiting for slave response"
}
