package master

import (
	"fmt"
	"time"

	ethercat "github.com/ecat-go/goethercat"
)

// RegisterIO adapts a Bus to the narrow WriteRegister/ReadRegister
// shape pkg/sii, pkg/mailbox, pkg/scan, and pkg/slaveconfig each
// declare locally, issuing FPWR/FPRD datagrams and treating a working
// counter of zero as a failed operation.
type RegisterIO struct {
	bus     *Bus
	timeout time.Duration
}

// NewRegisterIO builds a RegisterIO over bus with DefaultRegisterTimeout.
func NewRegisterIO(bus *Bus) *RegisterIO {
	return &RegisterIO{bus: bus, timeout: DefaultRegisterTimeout}
}

func (r *RegisterIO) WriteRegister(slave uint16, addr uint16, data []byte) error {
	_, wc, err := r.bus.Exchange(ethercat.CmdFPWR, ethercat.PhysicalAddress(slave, addr), data, r.timeout)
	if err != nil {
		return err
	}
	if wc == 0 {
		return fmt.Errorf("master: write %#06x to slave %#04x: %w", addr, slave, ethercat.ErrIO)
	}
	return nil
}

func (r *RegisterIO) ReadRegister(slave uint16, addr uint16, length int) ([]byte, error) {
	reply, wc, err := r.bus.Exchange(ethercat.CmdFPRD, ethercat.PhysicalAddress(slave, addr), make([]byte, length), r.timeout)
	if err != nil {
		return nil, err
	}
	if wc == 0 {
		return nil, fmt.Errorf("master: read %#06x from slave %#04x: %w", addr, slave, ethercat.ErrIO)
	}
	return reply, nil
}

// BroadcastWrite writes data to addr on every slave in a single BWR
// datagram, the same exchange shape ProbeTopology uses for CmdBRD. Used
// by pkg/dc to latch every slave's port receive times simultaneously
// for delay measurement, where a per-slave FPWR loop would measure each
// slave at a different instant.
func (r *RegisterIO) BroadcastWrite(addr uint16, data []byte) error {
	_, _, err := r.bus.Exchange(ethercat.CmdBWR, ethercat.PhysicalAddress(0, addr), data, r.timeout)
	return err
}
