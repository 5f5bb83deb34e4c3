package mailbox

import (
	"fmt"
	"sync"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/sii"
	log "github.com/sirupsen/logrus"
)

// RegisterIO is the slave register access the transport needs: write
// the RX mailbox region, poll and read the TX mailbox region. Kept as
// an interface, mirroring pkg/sii.RegisterIO, so this package never
// depends on pkg/master/pkg/frameio.
type RegisterIO interface {
	WriteRegister(slave uint16, addr uint16, data []byte) error
	ReadRegister(slave uint16, addr uint16, length int) ([]byte, error)
}

// Fixed sync manager status register. SM1 (slave -> master, the TX
// mailbox) reports "mailbox full" on bit 3 of its status byte.
const (
	regSM1Status   = 0x0805
	mailboxFullBit = 1 << 3
)

type slaveState struct {
	mu      sync.Mutex
	out, in sii.MailboxGeometry
	counter uint8
	staging map[uint8][]byte
}

func (s *slaveState) nextCounter() uint8 {
	s.counter++
	if s.counter == 0 || s.counter > 7 {
		s.counter = 1
	}
	return s.counter
}

// Transport drives the mailbox header framing and two-phase check/fetch
// read over a RegisterIO, dispatching decoded frames to per-protocol
// staging buffers that a pending FSM consumes from.
type Transport struct {
	io     RegisterIO
	logger *log.Logger

	mu     sync.Mutex
	slaves map[uint16]*slaveState
}

func NewTransport(io RegisterIO, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Transport{io: io, logger: logger, slaves: make(map[uint16]*slaveState)}
}

// Configure records the mailbox geometry read from SII for slave, ready
// for Send/Poll.
func (t *Transport) Configure(slave uint16, out, in sii.MailboxGeometry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slaves[slave] = &slaveState{out: out, in: in, staging: make(map[uint8][]byte)}
}

// OutPayloadSize reports the usable RX mailbox payload size (total
// size minus the header) for slave, letting a protocol layer detect
// up front when a request won't fit in one mailbox frame.
func (t *Transport) OutPayloadSize(slave uint16) (int, error) {
	s, err := t.state(slave)
	if err != nil {
		return 0, err
	}
	return int(s.out.Size) - HeaderLen, nil
}

func (t *Transport) state(slave uint16) (*slaveState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slaves[slave]
	if !ok {
		return nil, fmt.Errorf("mailbox: slave %d not configured", slave)
	}
	return s, nil
}

// Send frames payload behind a mailbox header for protocol (one of the
// Type* constants) and writes it into the slave's RX mailbox via FPWR.
func (t *Transport) Send(slave uint16, protocol uint8, payload []byte) error {
	s, err := t.state(slave)
	if err != nil {
		return err
	}
	if !s.out.Valid() {
		return fmt.Errorf("mailbox: slave %d has no RX mailbox", slave)
	}
	if len(payload) > int(s.out.Size)-HeaderLen {
		return ethercat.ErrOverflow
	}

	s.mu.Lock()
	counter := s.nextCounter()
	s.mu.Unlock()

	h := Header{Length: uint16(len(payload)), Type: protocol, Counter: counter}
	frame := h.Encode(payload)
	if err := t.io.WriteRegister(slave, s.out.Offset, frame); err != nil {
		return fmt.Errorf("mailbox: write slave %d: %w", slave, err)
	}
	return nil
}

// Poll performs the check/fetch read: a status read of SM1, and, if the
// mailbox-full bit is set, a fetch of the TX mailbox region. A type-0x00
// reply is logged and returned as an Error rather than staged. On a
// successful non-error frame, the payload is recorded in the protocol's
// staging buffer and also returned directly.
func (t *Transport) Poll(slave uint16) (protocol uint8, payload []byte, ok bool, err error) {
	s, err := t.state(slave)
	if err != nil {
		return 0, nil, false, err
	}
	if !s.in.Valid() {
		return 0, nil, false, fmt.Errorf("mailbox: slave %d has no TX mailbox", slave)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := t.io.ReadRegister(slave, regSM1Status, 1)
	if err != nil {
		return 0, nil, false, fmt.Errorf("mailbox: check slave %d: %w", slave, err)
	}
	if status[0]&mailboxFullBit == 0 {
		return 0, nil, false, nil
	}

	raw, err := t.io.ReadRegister(slave, s.in.Offset, int(s.in.Size))
	if err != nil {
		return 0, nil, false, fmt.Errorf("mailbox: fetch slave %d: %w", slave, err)
	}
	h, body, err := Decode(raw)
	if err != nil {
		return 0, nil, false, err
	}

	if h.Type == TypeError {
		mbErr, perr := ParseError(body)
		if perr != nil {
			return 0, nil, false, perr
		}
		t.logger.WithField("slave", slave).Warn(mbErr.Error())
		return 0, nil, false, mbErr
	}

	cp := make([]byte, len(body))
	copy(cp, body)
	s.staging[h.Type] = cp
	return h.Type, cp, true, nil
}

// Consume removes and returns a previously staged payload for protocol,
// letting an FSM that was mid-transfer when Poll last ran pick up the
// frame on its own schedule.
func (t *Transport) Consume(slave uint16, protocol uint8) ([]byte, bool) {
	s, err := t.state(slave)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.staging[protocol]
	if ok {
		delete(s.staging, protocol)
	}
	return payload, ok
}
