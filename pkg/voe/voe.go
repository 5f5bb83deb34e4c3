// Package voe implements VoE (Vendor-specific over EtherCAT): a raw
// pass-through mailbox protocol carrying an arbitrary vendor ID and
// vendor type header with no interpreted payload structure. Grounded
// on the teacher's pkg/gateway.BaseGateway, which plays the same
// pass-through role for arbitrary CiA 309 requests reaching into the
// network without the gateway interpreting their contents itself.
package voe

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	log "github.com/sirupsen/logrus"
)

// HeaderLen is the 4-byte vendor ID + vendor type header preceding the
// raw payload in every VoE frame.
const HeaderLen = 4

// DefaultTimeout is the response timeout Exchange uses when the caller
// doesn't override it.
const DefaultTimeout = 3000 * time.Millisecond

const pollInterval = time.Millisecond

// Client sends and receives raw VoE frames for one slave over a shared
// mailbox transport. It does no interpretation of the payload; callers
// own the vendor-specific wire format above the 4-byte header.
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

func encode(vendorID uint16, vendorType uint16, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], vendorID)
	binary.LittleEndian.PutUint16(buf[2:4], vendorType)
	copy(buf[HeaderLen:], payload)
	return buf
}

// Decode splits a VoE frame into its vendor ID, vendor type, and raw
// payload.
func Decode(frame []byte) (vendorID uint16, vendorType uint16, payload []byte, err error) {
	if len(frame) < HeaderLen {
		return 0, 0, nil, fmt.Errorf("voe: short frame")
	}
	vendorID = binary.LittleEndian.Uint16(frame[0:2])
	vendorType = binary.LittleEndian.Uint16(frame[2:4])
	return vendorID, vendorType, frame[HeaderLen:], nil
}

// Send writes a VoE frame to the slave without waiting for a reply,
// for vendor protocols that are fire-and-forget or reply on a separate
// cadence the caller polls for itself via Poll.
func (c *Client) Send(vendorID, vendorType uint16, payload []byte) error {
	return c.transport.Send(c.slave, mailbox.TypeVoE, encode(vendorID, vendorType, payload))
}

// Poll checks for and consumes a staged VoE reply without blocking.
func (c *Client) Poll() (frame []byte, ok bool, err error) {
	if frame, ok := c.transport.Consume(c.slave, mailbox.TypeVoE); ok {
		return frame, true, nil
	}
	proto, frame, ok, err := c.transport.Poll(c.slave)
	if err != nil || !ok || proto != mailbox.TypeVoE {
		return nil, false, err
	}
	c.transport.Consume(c.slave, mailbox.TypeVoE)
	return frame, true, nil
}

// Exchange sends a VoE frame and waits for the matching reply, the
// request/response pattern most vendor-specific diagnostic protocols
// actually use even though the wire format beyond the header is opaque
// to this package.
func (c *Client) Exchange(vendorID, vendorType uint16, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := c.Send(vendorID, vendorType, payload); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		frame, ok, err := c.Poll()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("voe: timed out waiting for slave %d", c.slave)
		}
		time.Sleep(pollInterval)
	}
}
