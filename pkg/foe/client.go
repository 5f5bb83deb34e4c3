package foe

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ecat-go/goethercat/pkg/mailbox"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is the per-packet timeout used when no override applies.
const DefaultTimeout = 5000 * time.Millisecond

const pollInterval = time.Millisecond

// Client drives FoE file transfers for one slave over a shared mailbox
// transport. Grounded on the teacher's SDOClient acting as the
// single-owner driver of a block transfer for one node.
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

// fragmentSize is the number of file-data bytes that fit in one mailbox
// frame, the mailbox's usable RX payload minus the 6-byte FoE header.
func (c *Client) fragmentSize() (int, error) {
	n, err := c.transport.OutPayloadSize(c.slave)
	if err != nil {
		return 0, err
	}
	n -= HeaderLen
	if n <= 0 {
		return 0, fmt.Errorf("foe: mailbox too small to carry an FoE fragment")
	}
	return n, nil
}

func (c *Client) exchange(payload []byte, timeout time.Duration) ([]byte, error) {
	if err := c.transport.Send(c.slave, mailbox.TypeFoE, payload); err != nil {
		return nil, fmt.Errorf("foe: send: %w", err)
	}
	return c.awaitResponse(timeout)
}

// awaitResponse polls without sending, used to follow DATA packets the
// slave streams on its own after each ACK.
func (c *Client) awaitResponse(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if resp, ok := c.transport.Consume(c.slave, mailbox.TypeFoE); ok {
			return resp, nil
		}
		proto, resp, ok, err := c.transport.Poll(c.slave)
		if err != nil {
			return nil, err
		}
		if ok && proto == mailbox.TypeFoE {
			c.transport.Consume(c.slave, mailbox.TypeFoE)
			return resp, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("foe: timed out waiting for slave %d", c.slave)
		}
		time.Sleep(pollInterval)
	}
}

// Write sends data to filename on the client's slave, fragmenting it
// into mailbox-sized DATA packets with incrementing packet numbers. A
// BUSY reply retransmits the same packet rather than advancing; an ERR
// reply aborts the transfer.
func (c *Client) Write(filename string, password uint32, data []byte) error {
	fragSize, err := c.fragmentSize()
	if err != nil {
		return err
	}

	resp, err := c.exchange(encodeRequest(OpWRQ, password, filename), 0)
	if err != nil {
		return err
	}
	if err := checkAck(resp, 0); err != nil {
		return err
	}

	// A chunk is only "last" when it's shorter than a full fragment
	// (mirrors the read side's strict rec_size < fragSize check in
	// request.go). A payload whose length is an exact multiple of
	// fragSize therefore sends one trailing zero-length DATA packet
	// after its final full-size chunk to signal completion.
	packetNo := uint32(1)
	for offset := 0; ; {
		end := offset + fragSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		last := len(chunk) < fragSize

		for {
			resp, err := c.exchange(encodeData(packetNo, chunk), 0)
			if err != nil {
				return err
			}
			switch resp[0] {
			case OpACK:
				if err := checkAck(resp, packetNo); err != nil {
					return err
				}
			case OpBUSY:
				c.logger.WithField("packet", packetNo).Debug("foe: slave busy, retransmitting")
				continue
			case OpERR:
				return decodeError(resp)
			default:
				return fmt.Errorf("foe: unexpected opcode %#x during write", resp[0])
			}
			break
		}

		offset = end
		packetNo++
		if last {
			break
		}
	}
	return nil
}

func checkAck(resp []byte, want uint32) error {
	if len(resp) < HeaderLen {
		return fmt.Errorf("foe: short response")
	}
	if resp[0] == OpERR {
		return decodeError(resp)
	}
	if resp[0] != OpACK {
		return fmt.Errorf("foe: expected ACK, got opcode %#x", resp[0])
	}
	if got := binary.LittleEndian.Uint32(resp[2:6]); got != want {
		return fmt.Errorf("foe: ack for packet %d, expected %d", got, want)
	}
	return nil
}
