package soe

import (
	"fmt"
	"time"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is the per-response timeout used when a caller doesn't
// override it.
const DefaultTimeout = 3000 * time.Millisecond

const pollInterval = time.Millisecond

// Client drives SoE IDN reads and writes for one slave over a shared
// mailbox transport. Grounded on the teacher's SDOClient, generalized
// from CANopen's toggle-bit segmentation to SoE's incomplete-flag one.
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

func (c *Client) maxPayload() (int, error) {
	n, err := c.transport.OutPayloadSize(c.slave)
	if err != nil {
		return 0, err
	}
	n -= HeaderLen
	if n <= 0 {
		return 0, fmt.Errorf("soe: mailbox too small to carry an IDN fragment")
	}
	return n, nil
}

func (c *Client) exchange(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := c.transport.Send(c.slave, mailbox.TypeSoE, payload); err != nil {
		return nil, fmt.Errorf("soe: send: %w", err)
	}
	return c.awaitResponse(timeout)
}

func (c *Client) awaitResponse(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if resp, ok := c.transport.Consume(c.slave, mailbox.TypeSoE); ok {
			return resp, nil
		}
		proto, resp, ok, err := c.transport.Poll(c.slave)
		if err != nil {
			return nil, err
		}
		if ok && proto == mailbox.TypeSoE {
			c.transport.Consume(c.slave, mailbox.TypeSoE)
			return resp, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("soe: timed out waiting for slave %d", c.slave)
		}
		time.Sleep(pollInterval)
	}
}

// Read fetches the value of idn, following incomplete response
// fragments until the final one (incomplete flag clear).
func (c *Client) Read(idn uint16) ([]byte, error) {
	req := encodeHeader(OpReadRequest, false, false, idn)
	resp, err := c.exchange(req, 0)
	if err != nil {
		return nil, err
	}

	var data []byte
	for {
		h, err := decodeHeader(resp)
		if err != nil {
			return data, err
		}
		if h.errorFlagged {
			return data, parseError(resp)
		}
		if h.opcode != OpReadResponse {
			return data, fmt.Errorf("soe: unexpected opcode %d in read response", h.opcode)
		}
		data = append(data, resp[HeaderLen:]...)
		if !h.incomplete {
			break
		}
		resp, err = c.awaitResponse(0)
		if err != nil {
			return data, err
		}
	}
	return data, nil
}

// Write sends data to idn, fragmenting across multiple WRITE_REQUEST
// frames when it exceeds one mailbox frame. Every fragment but the last
// carries the count of fragments still to come in the IDN slot; the
// last fragment carries idn itself there.
func (c *Client) Write(idn uint16, data []byte) error {
	maxPayload, err := c.maxPayload()
	if err != nil {
		return err
	}
	if len(data) <= maxPayload {
		return c.writeFragment(idn, data, false, idn)
	}

	var fragments [][]byte
	for off := 0; off < len(data); off += maxPayload {
		end := off + maxPayload
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, data[off:end])
	}
	n := len(fragments)
	for i, frag := range fragments {
		last := i == n-1
		idnSlot := uint16(n - 1 - i)
		if last {
			idnSlot = idn
		}
		if err := c.writeFragment(idn, frag, !last, idnSlot); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeFragment(idn uint16, data []byte, incomplete bool, idnSlot uint16) error {
	req := append(encodeHeader(OpWriteRequest, incomplete, true, idnSlot), data...)
	resp, err := c.exchange(req, 0)
	if err != nil {
		return err
	}
	h, err := decodeHeader(resp)
	if err != nil {
		return err
	}
	if h.errorFlagged {
		return parseError(resp)
	}
	if h.opcode != OpWriteResponse {
		return fmt.Errorf("soe: unexpected opcode %d in write response for idn %#04x", h.opcode, idn)
	}
	return nil
}
