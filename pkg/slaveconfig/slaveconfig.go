// Package slaveconfig drives one already-scanned slave from INIT up to
// OP: FMMU/SM programming, an ordered SDO configuration list, PDO
// assignment and mapping, and distributed-clock sync setup. Grounded on
// the teacher's pkg/config.NodeConfigurator (configurator.go, pdo.go,
// sync.go, general.go): that type configures a remote CANopen node's
// communication objects from Go structs over SDO; this package
// configures a slave's SM/FMMU/PDO layout from Go structs over FPWR and
// CoE download, the same "struct describes the config, a client method
// per field applies it" shape with a different wire transport
// underneath.
package slaveconfig

import (
	"fmt"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/alstatus"
	"github.com/ecat-go/goethercat/pkg/coe"
	"github.com/ecat-go/goethercat/pkg/mailbox"
	"github.com/ecat-go/goethercat/pkg/sii"
	log "github.com/sirupsen/logrus"
)

// RegisterIO is the register access a configuration run needs. Kept
// narrow and package-local, mirroring pkg/sii.RegisterIO and
// pkg/mailbox.RegisterIO, so this package has no dependency on
// pkg/master.
type RegisterIO interface {
	WriteRegister(slave uint16, addr uint16, data []byte) error
	ReadRegister(slave uint16, addr uint16, length int) ([]byte, error)
}

// Fixed register offsets the config FSM touches.
const (
	regALControl    = 0x0120
	regALState      = 0x0130
	regALStatusCode = 0x0134

	regFMMUBase = 0x0600 // 16 bytes per FMMU
	fmmuStride  = 16
	regSMBase   = 0x0800 // 8 bytes per sync manager
	smStride    = 8

	regDCAssignActivate = 0x0981
	regDCSync0Cycle     = 0x09A0
	regDCSync0Shift     = 0x09A4
	regDCSync1Cycle     = 0x09A8
	regDCSync1Shift     = 0x09AC
	regDCStartTime      = 0x0990

	maxFMMUs        = 16
	maxSyncManagers = 16

	alStatePollAttempts = 50
	maxRetries          = 3
)

// Direction is a sync manager's data direction.
type Direction uint8

const (
	DirOutput Direction = 0 // master -> slave
	DirInput  Direction = 1 // slave -> master
)

// WatchdogMode selects whether a sync manager's watchdog is armed.
type WatchdogMode uint8

const (
	WatchdogDefault WatchdogMode = 0
	WatchdogEnable  WatchdogMode = 1
	WatchdogDisable WatchdogMode = 2
)

// SyncManagerConfig programs one sync manager.
type SyncManagerConfig struct {
	Index                uint8
	PhysicalStartAddress uint16
	Length               uint16
	Direction            Direction
	Watchdog             WatchdogMode
}

// FMMUConfig programs one FMMU, mapping a span of the logical process
// image onto a physical sync manager region.
type FMMUConfig struct {
	LogicalStartAddress  uint32
	Length               uint16
	LogicalStartBit      uint8
	LogicalStopBit       uint8
	PhysicalStartAddress uint16
	PhysicalStartBit     uint8
	Direction            Direction
}

// SDOConfig is one entry in the ordered SDO configuration list applied
// in step 5 of the bring-up sequence, via CoE download.
type SDOConfig struct {
	Index    uint16
	Subindex uint8
	Data     []byte
}

// PDOMappingEntry is one subentry of a PDO mapping object (0x16xx for
// RxPDO, 0x1Axx for TxPDO): an object index/subindex and its bit length.
type PDOMappingEntry struct {
	Index    uint16
	Subindex uint8
	BitLen   uint8
}

// PDOMapping configures one PDO mapping object in full: the entries it
// carries, applied as ClearMappings-then-WriteMappings, mirroring the
// teacher's NodeConfigurator.WriteMappings.
type PDOMapping struct {
	Index   uint16
	Entries []PDOMappingEntry
}

// SyncManagerAssignment is the PDO mapping object indices assigned to
// one sync manager (CoE object 0x1C10+SMIndex).
type SyncManagerAssignment struct {
	SMIndex uint8
	PDOs    []uint16
}

// DCConfig programs the distributed-clock sync unit.
type DCConfig struct {
	AssignActivate uint16
	Sync0Cycle     uint32
	Sync0Shift     uint32
	Sync1Cycle     uint32
	Sync1Shift     uint32
	StartTime      uint64
}

// Config is everything needed to bring one slave from INIT to OP.
type Config struct {
	Station uint16

	MailboxOut sii.MailboxGeometry
	MailboxIn  sii.MailboxGeometry

	SyncManagers []SyncManagerConfig
	FMMUs        []FMMUConfig
	SDOConfig    []SDOConfig
	Assignments  []SyncManagerAssignment
	Mappings     []PDOMapping

	DC      *DCConfig
	UsesCoE bool
}

// Configurator runs the config FSM over a RegisterIO and, when the
// slave uses CoE, a mailbox transport built on the same IO.
type Configurator struct {
	io      RegisterIO
	mb      *mailbox.Transport
	logger  *log.Logger
	retries int
}

func NewConfigurator(io RegisterIO, logger *log.Logger) *Configurator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Configurator{io: io, mb: mailbox.NewTransport(io, logger), logger: logger, retries: maxRetries}
}

// Configure drives cfg.Station through the full bring-up sequence
// (spec §4.12 steps 1-9), retrying the whole sequence from step 1 up to
// the configurator's retry bound whenever an AL-status error surfaces.
func (c *Configurator) Configure(cfg Config) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]any{
				"station": cfg.Station,
				"attempt": attempt + 1,
			}).Warnf("slaveconfig: retrying after error: %v", lastErr)
		}
		if err := c.configureOnce(cfg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("slaveconfig: station %#x: %w", cfg.Station, lastErr)
}

func (c *Configurator) configureOnce(cfg Config) error {
	if err := c.driveALState(cfg.Station, ethercat.StateInit); err != nil {
		return fmt.Errorf("drive INIT: %w", err)
	}
	if err := c.clearFMMUsAndSMs(cfg.Station); err != nil {
		return fmt.Errorf("clear FMMUs/SMs: %w", err)
	}
	if err := c.programSyncManagers(cfg.Station, cfg.SyncManagers); err != nil {
		return fmt.Errorf("program sync managers: %w", err)
	}
	if err := c.driveALState(cfg.Station, ethercat.StatePreOp); err != nil {
		return fmt.Errorf("drive PREOP: %w", err)
	}

	if cfg.UsesCoE {
		c.mb.Configure(cfg.Station, cfg.MailboxOut, cfg.MailboxIn)
		client := coe.NewClient(c.mb, cfg.Station, c.logger)

		if err := c.applySDOConfig(client, cfg.SDOConfig); err != nil {
			return fmt.Errorf("apply SDO config: %w", err)
		}
		if err := c.mapPDOs(client, cfg.Mappings); err != nil {
			return fmt.Errorf("map PDOs: %w", err)
		}
		if err := c.assignPDOs(client, cfg.Assignments); err != nil {
			return fmt.Errorf("assign PDOs: %w", err)
		}
	}

	if err := c.programFMMUs(cfg.Station, cfg.FMMUs); err != nil {
		return fmt.Errorf("program FMMUs: %w", err)
	}
	if cfg.DC != nil {
		if err := c.programDC(cfg.Station, *cfg.DC); err != nil {
			return fmt.Errorf("program DC: %w", err)
		}
	}

	if err := c.driveALState(cfg.Station, ethercat.StateSafeOp); err != nil {
		return fmt.Errorf("drive SAFEOP: %w", err)
	}
	if err := c.driveALState(cfg.Station, ethercat.StateOp); err != nil {
		return fmt.Errorf("drive OP: %w", err)
	}
	return nil
}

func (c *Configurator) driveALState(station uint16, target ethercat.ALState) error {
	if err := c.io.WriteRegister(station, regALControl, []byte{uint8(target), 0x00}); err != nil {
		return fmt.Errorf("slaveconfig: write AL control: %w", err)
	}
	for i := 0; i < alStatePollAttempts; i++ {
		raw, err := c.io.ReadRegister(station, regALState, 2)
		if err != nil {
			return fmt.Errorf("slaveconfig: read AL state: %w", err)
		}
		code := uint16(raw[0]) | uint16(raw[1])<<8
		state := ethercat.ALState(code & 0x1F)
		if state&^ethercat.StateError == target {
			return nil
		}
		if state.HasError() {
			statusRaw, _ := c.io.ReadRegister(station, regALStatusCode, 2)
			statusCode := alstatus.Code(uint16(statusRaw[0]) | uint16(statusRaw[1])<<8)
			return fmt.Errorf("slaveconfig: slave %#x rejected AL state %s: %s (%#04x)",
				station, target, alstatus.Describe(statusCode), uint16(statusCode))
		}
	}
	return fmt.Errorf("slaveconfig: slave %#x did not reach AL state %s within %d polls", station, target, alStatePollAttempts)
}

func (c *Configurator) clearFMMUsAndSMs(station uint16) error {
	zero := make([]byte, fmmuStride)
	for i := 0; i < maxFMMUs; i++ {
		if err := c.io.WriteRegister(station, regFMMUBase+uint16(i*fmmuStride), zero); err != nil {
			return err
		}
	}
	zeroSM := make([]byte, smStride)
	for i := 0; i < maxSyncManagers; i++ {
		if err := c.io.WriteRegister(station, regSMBase+uint16(i*smStride), zeroSM); err != nil {
			return err
		}
	}
	return nil
}

func (c *Configurator) programSyncManagers(station uint16, sms []SyncManagerConfig) error {
	for _, sm := range sms {
		buf := make([]byte, smStride)
		buf[0] = uint8(sm.PhysicalStartAddress)
		buf[1] = uint8(sm.PhysicalStartAddress >> 8)
		buf[2] = uint8(sm.Length)
		buf[3] = uint8(sm.Length >> 8)
		buf[4] = controlByte(sm.Direction, sm.Watchdog)
		buf[5] = 0x00
		buf[6] = 0x01 // enable
		buf[7] = 0x00
		if err := c.io.WriteRegister(station, regSMBase+uint16(sm.Index)*smStride, buf); err != nil {
			return fmt.Errorf("slaveconfig: program SM %d: %w", sm.Index, err)
		}
	}
	return nil
}

func controlByte(dir Direction, wd WatchdogMode) uint8 {
	var b uint8
	if dir == DirInput {
		b |= 1 << 2
	}
	switch wd {
	case WatchdogEnable:
		b |= 1 << 6
	case WatchdogDisable:
		b |= 1 << 7
	}
	return b
}

// applySDOConfig runs the ordered SDO configuration list via CoE
// download, in order, aborting the whole sequence on the first failure
// — the same "apply in declared order, stop on error" contract the
// teacher's WriteConfigurationPDO chain uses for its own sequence of
// writes.
func (c *Configurator) applySDOConfig(client *coe.Client, entries []SDOConfig) error {
	for _, e := range entries {
		if err := client.Download(e.Index, e.Subindex, e.Data); err != nil {
			return fmt.Errorf("slaveconfig: SDO %#04x:%d: %w", e.Index, e.Subindex, err)
		}
	}
	return nil
}

// mapPDOs clears then rewrites each PDO mapping object's subentries,
// grounded on the teacher's ClearMappings/WriteMappings pair: clearing
// the count first (so an interrupted rewrite is never read as a larger
// mapping than what landed), then the entries, then the count again.
func (c *Configurator) mapPDOs(client *coe.Client, mappings []PDOMapping) error {
	for _, m := range mappings {
		if err := client.Download(m.Index, 0, []byte{0x00}); err != nil {
			return fmt.Errorf("slaveconfig: clear mapping count %#04x: %w", m.Index, err)
		}
		for i, entry := range m.Entries {
			packed := uint32(entry.Index)<<16 | uint32(entry.Subindex)<<8 | uint32(entry.BitLen)
			data := []byte{uint8(packed), uint8(packed >> 8), uint8(packed >> 16), uint8(packed >> 24)}
			if err := client.Download(m.Index, uint8(i+1), data); err != nil {
				return fmt.Errorf("slaveconfig: write mapping %#04x sub %d: %w", m.Index, i+1, err)
			}
		}
		if err := client.Download(m.Index, 0, []byte{uint8(len(m.Entries))}); err != nil {
			return fmt.Errorf("slaveconfig: set mapping count %#04x: %w", m.Index, err)
		}
	}
	return nil
}

// assignPDOs clears then rewrites each sync manager's PDO assignment
// object (0x1C10+SMIndex), the same clear-count/write-entries/set-count
// sequence as mapPDOs but one level up the assignment hierarchy.
func (c *Configurator) assignPDOs(client *coe.Client, assignments []SyncManagerAssignment) error {
	for _, a := range assignments {
		index := uint16(0x1C10) + uint16(a.SMIndex)
		if err := client.Download(index, 0, []byte{0x00}); err != nil {
			return fmt.Errorf("slaveconfig: clear assignment count %#04x: %w", index, err)
		}
		for i, pdoIndex := range a.PDOs {
			data := []byte{uint8(pdoIndex), uint8(pdoIndex >> 8)}
			if err := client.Download(index, uint8(i+1), data); err != nil {
				return fmt.Errorf("slaveconfig: write assignment %#04x sub %d: %w", index, i+1, err)
			}
		}
		if err := client.Download(index, 0, []byte{uint8(len(a.PDOs))}); err != nil {
			return fmt.Errorf("slaveconfig: set assignment count %#04x: %w", index, err)
		}
	}
	return nil
}

func (c *Configurator) programFMMUs(station uint16, fmmus []FMMUConfig) error {
	for i, f := range fmmus {
		buf := make([]byte, fmmuStride)
		buf[0] = uint8(f.LogicalStartAddress)
		buf[1] = uint8(f.LogicalStartAddress >> 8)
		buf[2] = uint8(f.LogicalStartAddress >> 16)
		buf[3] = uint8(f.LogicalStartAddress >> 24)
		buf[4] = uint8(f.Length)
		buf[5] = uint8(f.Length >> 8)
		buf[6] = f.LogicalStartBit
		buf[7] = f.LogicalStopBit
		buf[8] = uint8(f.PhysicalStartAddress)
		buf[9] = uint8(f.PhysicalStartAddress >> 8)
		buf[10] = f.PhysicalStartBit
		if f.Direction == DirOutput {
			buf[11] = 0x02 // write enable
		} else {
			buf[11] = 0x01 // read enable
		}
		buf[15] = 0x01 // FMMU enable
		if err := c.io.WriteRegister(station, regFMMUBase+uint16(i*fmmuStride), buf); err != nil {
			return fmt.Errorf("slaveconfig: program FMMU %d: %w", i, err)
		}
	}
	return nil
}

func (c *Configurator) programDC(station uint16, dc DCConfig) error {
	if err := c.io.WriteRegister(station, regDCAssignActivate, le16(dc.AssignActivate)); err != nil {
		return fmt.Errorf("slaveconfig: assign_activate: %w", err)
	}
	if err := c.io.WriteRegister(station, regDCSync0Cycle, le32(dc.Sync0Cycle)); err != nil {
		return fmt.Errorf("slaveconfig: sync0 cycle: %w", err)
	}
	if err := c.io.WriteRegister(station, regDCSync0Shift, le32(dc.Sync0Shift)); err != nil {
		return fmt.Errorf("slaveconfig: sync0 shift: %w", err)
	}
	if err := c.io.WriteRegister(station, regDCSync1Cycle, le32(dc.Sync1Cycle)); err != nil {
		return fmt.Errorf("slaveconfig: sync1 cycle: %w", err)
	}
	if err := c.io.WriteRegister(station, regDCSync1Shift, le32(dc.Sync1Shift)); err != nil {
		return fmt.Errorf("slaveconfig: sync1 shift: %w", err)
	}
	return c.io.WriteRegister(station, regDCStartTime, le64(dc.StartTime))
}

func le16(v uint16) []byte { return []byte{uint8(v), uint8(v >> 8)} }
func le32(v uint32) []byte {
	return []byte{uint8(v), uint8(v >> 8), uint8(v >> 16), uint8(v >> 24)}
}
func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = uint8(v >> (8 * i))
	}
	return b
}
