// Package scan runs the per-slave scan sequence a master steps a newly
// discovered slave through before it is eligible for configuration:
// addressing, AL-state/base-info readout, DC capability probing, and
// SII identity plus full EEPROM readout with cache reuse. Grounded on
// the teacher's pkg/node remote-node bring-up (RemoteNode's read of a
// remote device's identity before attaching RPDOs/TPDOs) and
// pkg/nmt's boot-up polling/retry shape, generalized from CANopen
// NMT boot-up to EtherCAT's register-sequence bring-up.
package scan

import (
	"encoding/binary"
	"fmt"
	"time"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/coe"
	"github.com/ecat-go/goethercat/pkg/mailbox"
	"github.com/ecat-go/goethercat/pkg/sii"
	log "github.com/sirupsen/logrus"
)

// RegisterIO is the register access a scan needs: physical writes,
// reads, and SII's own RegisterIO shape, kept narrow to avoid an import
// on pkg/master.
type RegisterIO interface {
	sii.RegisterIO
}

// Fixed register offsets the scan sequence touches.
const (
	regStationAddress = 0x0010
	regALState        = 0x0130
	regALControl      = 0x0120
	regBaseInfo       = 0x0000 // 12 bytes: type, revision, build, fmmu count, sm count, ports x4, features
	regDLStatus       = 0x0110
	regDCSystemTime   = 0x0910
	regDCPortReceive  = 0x0900 // 4 x 4 bytes
	regSIIAssign      = 0x0500
)

const (
	maxFMMUs            = 16
	maxSyncManagers     = 16
	defaultRetries      = 3
	alStatePollAttempts = 50
)

// PortDesc is one ring port's descriptor: its media type nibble from
// base info and its link state from DL status. pkg/dc does not read it.
type PortDesc struct {
	Type   uint8 // port media type nibble
	LinkUp bool
}

// Slave is everything a scan collects about one ring position.
type Slave struct {
	Position uint16 // auto-increment address used during the scan
	Station  uint16 // fixed station address assigned by APWR

	ALState ethercat.ALState
	ALError bool

	DeviceType    uint8
	Revision      uint16
	Build         uint16
	FMMUCount     uint8
	SMCount       uint8
	Ports         [4]PortDesc
	FMMUBitOp     bool
	DCSupported   bool
	DCRange64     bool

	SystemTimeSupported bool
	PortReceiveTimes    [4]uint32

	SII *sii.SII

	// PDOAssignments maps a sync manager index to the PDO mapping object
	// indices CoE object 0x1C10+sm assigns to it. Populated only when
	// ScanPDOs runs and the slave supports CoE.
	PDOAssignments map[uint8][]uint16
	PDOMappings    map[uint16][]PDOMapEntry
}

// PDOMapEntry is one entry of a CoE PDO mapping object (0x16xx/0x1Axx):
// the object dictionary index/subindex it maps and its bit length, as
// packed into the mapping object's 4-byte subentries.
type PDOMapEntry struct {
	Index    uint16
	SubIndex uint8
	BitLen   uint8
}

// Scanner runs the scan sequence over a RegisterIO, using cache to skip
// a full EEPROM re-read when a slave's identity matches one already seen.
type Scanner struct {
	io          RegisterIO
	cache       *sii.Cache
	retries     int
	logger      *log.Logger
	clock       func() time.Duration
	mbTransport *mailbox.Transport
}

func NewScanner(io RegisterIO, logger *log.Logger) *Scanner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scanner{
		io:          io,
		cache:       sii.NewCache(),
		retries:     defaultRetries,
		logger:      logger,
		mbTransport: mailbox.NewTransport(io, logger),
	}
}

// Scan runs the full per-slave sequence in spec order for one ring
// position, assigning it station address station.
func (s *Scanner) Scan(position uint16, station uint16) (*Slave, error) {
	slave := &Slave{Position: position, Station: station}

	if err := s.retry(func() error { return s.assignStation(position, station) }); err != nil {
		return nil, fmt.Errorf("scan: assign station address: %w", err)
	}
	if err := s.retry(func() error { return s.readALState(slave) }); err != nil {
		return nil, fmt.Errorf("scan: read AL state: %w", err)
	}
	if err := s.retry(func() error { return s.readBaseInfo(slave) }); err != nil {
		return nil, fmt.Errorf("scan: read base info: %w", err)
	}
	if slave.DCSupported {
		if err := s.retry(func() error { return s.probeDC(slave) }); err != nil {
			return nil, fmt.Errorf("scan: probe DC: %w", err)
		}
	}
	if err := s.retry(func() error { return s.readDLStatus(slave) }); err != nil {
		return nil, fmt.Errorf("scan: read DL status: %w", err)
	}
	// Best-effort: assign SII ownership to ECAT. A slave that doesn't
	// implement this register simply ignores the write.
	_ = s.io.WriteRegister(station, regSIIAssign, []byte{0x00, 0x00})

	if err := s.readSII(slave); err != nil {
		return nil, fmt.Errorf("scan: read SII: %w", err)
	}

	if slave.SII.SupportsProtocol(sii.ProtocolCoE) && slave.SII.MailboxOut.Valid() && slave.SII.MailboxIn.Valid() {
		if err := s.retry(func() error { return s.ScanPDOs(slave) }); err != nil {
			return nil, fmt.Errorf("scan: scan PDOs: %w", err)
		}
	}

	return slave, nil
}

// driveALState requests target and polls AL status until the slave
// reports having reached it or the ack-error bit comes up.
func (s *Scanner) driveALState(slave *Slave, target ethercat.ALState) error {
	if err := s.io.WriteRegister(slave.Station, regALControl, []byte{uint8(target), 0x00}); err != nil {
		return fmt.Errorf("scan: write AL control: %w", err)
	}
	for i := 0; i < alStatePollAttempts; i++ {
		if err := s.readALState(slave); err != nil {
			return err
		}
		if slave.ALState&^ethercat.StateError == target {
			return nil
		}
		if slave.ALError {
			return fmt.Errorf("scan: slave %#x rejected AL state %s (now in %s)", slave.Station, target, slave.ALState)
		}
	}
	return fmt.Errorf("scan: slave %#x did not reach AL state %s within %d polls", slave.Station, target, alStatePollAttempts)
}

// ScanPDOs drives a CoE-capable slave to PREOP and reads its runtime
// PDO assignment (0x1C10+sm_index) and mapping (0x16xx/0x1Axx) objects,
// the CoE-side counterpart to the SII-declared TxPDO/RxPDO categories
// readSII already collected. Called automatically from Scan when the
// slave's SII advertises CoE support with valid mailbox geometry.
func (s *Scanner) ScanPDOs(slave *Slave) error {
	if err := s.driveALState(slave, ethercat.StatePreOp); err != nil {
		return fmt.Errorf("scan: drive PREOP for PDO scan: %w", err)
	}

	s.mbTransport.Configure(slave.Station, slave.SII.MailboxOut, slave.SII.MailboxIn)
	// Best-effort: drop one stale TX mailbox frame a previous session may
	// have left staged, so it isn't mistaken for this scan's first reply.
	if protocol, _, ok, _ := s.mbTransport.Poll(slave.Station); ok {
		s.mbTransport.Consume(slave.Station, protocol)
	}

	client := coe.NewClient(s.mbTransport, slave.Station, s.logger)

	assignments := make(map[uint8][]uint16)
	mappings := make(map[uint16][]PDOMapEntry)

	for sm := uint8(0); sm < slave.SMCount; sm++ {
		assignIndex := uint16(0x1C10) + uint16(sm)
		raw, err := client.Upload(assignIndex, 0)
		if err != nil || len(raw) < 1 {
			continue // no assign object at this SM index
		}
		count := raw[0]
		var list []uint16
		for sub := uint8(1); sub <= count; sub++ {
			data, err := client.Upload(assignIndex, sub)
			if err != nil || len(data) < 2 {
				continue
			}
			list = append(list, binary.LittleEndian.Uint16(data))
		}
		if len(list) == 0 {
			continue
		}
		assignments[sm] = list
		for _, pdoIndex := range list {
			entries, err := s.readPDOMapping(client, pdoIndex)
			if err != nil {
				s.logger.WithField("pdo", fmt.Sprintf("%#04x", pdoIndex)).Warnf("scan: read PDO mapping: %v", err)
				continue
			}
			mappings[pdoIndex] = entries
		}
	}

	slave.PDOAssignments = assignments
	slave.PDOMappings = mappings
	return nil
}

func (s *Scanner) readPDOMapping(client *coe.Client, pdoIndex uint16) ([]PDOMapEntry, error) {
	raw, err := client.Upload(pdoIndex, 0)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1 {
		return nil, fmt.Errorf("scan: short PDO mapping entry count")
	}
	count := raw[0]
	entries := make([]PDOMapEntry, 0, count)
	for sub := uint8(1); sub <= count; sub++ {
		data, err := client.Upload(pdoIndex, sub)
		if err != nil {
			return entries, err
		}
		if len(data) < 4 {
			continue
		}
		packed := binary.LittleEndian.Uint32(data)
		entries = append(entries, PDOMapEntry{
			Index:    uint16(packed >> 16),
			SubIndex: uint8(packed >> 8),
			BitLen:   uint8(packed),
		})
	}
	return entries, nil
}

func (s *Scanner) retry(fn func() error) error {
	var err error
	for i := 0; i <= s.retries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		s.logger.WithField("attempt", i+1).Warnf("scan: step failed: %v", err)
	}
	return err
}

func (s *Scanner) assignStation(position, station uint16) error {
	buf := []byte{uint8(station), uint8(station >> 8)}
	return s.io.WriteRegister(position, regStationAddress, buf)
}

func (s *Scanner) readALState(slave *Slave) error {
	raw, err := s.io.ReadRegister(slave.Station, regALState, 2)
	if err != nil {
		return err
	}
	code := uint16(raw[0]) | uint16(raw[1])<<8
	slave.ALState = ethercat.ALState(code & 0x1F)
	slave.ALError = slave.ALState.HasError()
	if slave.ALError {
		s.logger.WithField("station", slave.Station).Warn("scan: AL status ack-error bit set")
	}
	return nil
}

func (s *Scanner) readBaseInfo(slave *Slave) error {
	raw, err := s.io.ReadRegister(slave.Station, regBaseInfo, 12)
	if err != nil {
		return err
	}
	slave.DeviceType = raw[0]
	slave.Revision = uint16(raw[1]) | uint16(raw[2])<<8
	slave.Build = uint16(raw[3]) | uint16(raw[4])<<8

	fmmuCount := raw[5]
	if fmmuCount > maxFMMUs {
		fmmuCount = maxFMMUs
	}
	slave.FMMUCount = fmmuCount

	smCount := raw[6]
	if smCount > maxSyncManagers {
		smCount = maxSyncManagers
	}
	slave.SMCount = smCount

	for i := 0; i < 4; i++ {
		nibble := raw[7+i/2]
		if i%2 == 1 {
			nibble >>= 4
		}
		slave.Ports[i] = PortDesc{Type: nibble & 0x0F}
	}

	features := raw[11]
	slave.FMMUBitOp = features&0x01 != 0
	slave.DCSupported = features&0x04 != 0
	slave.DCRange64 = features&0x08 != 0
	return nil
}

func (s *Scanner) probeDC(slave *Slave) error {
	if _, err := s.io.ReadRegister(slave.Station, regDCSystemTime, 8); err == nil {
		slave.SystemTimeSupported = true
	}
	raw, err := s.io.ReadRegister(slave.Station, regDCPortReceive, 16)
	if err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		off := i * 4
		slave.PortReceiveTimes[i] = uint32(raw[off]) | uint32(raw[off+1])<<8 |
			uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
	}
	return nil
}

func (s *Scanner) readDLStatus(slave *Slave) error {
	raw, err := s.io.ReadRegister(slave.Station, regDLStatus, 2)
	if err != nil {
		return err
	}
	status := uint16(raw[0]) | uint16(raw[1])<<8
	for i := 0; i < 4; i++ {
		slave.Ports[i].LinkUp = status&(1<<(4+uint(i))) != 0
	}
	return nil
}

// readSII reads only the slave's identity words first and checks them
// against the cache (alias+revision when available, else the full
// vendor/product/revision/serial tuple) before falling back to the full
// EEPROM category sweep, so a cache hit across rescans costs five word
// reads instead of a complete EEPROM pass.
func (s *Scanner) readSII(slave *Slave) error {
	id, err := sii.ReadIdentity(s.io, slave.Station, 100*time.Millisecond, s.clock)
	if err != nil {
		return err
	}
	if cached, ok := s.cache.Lookup(id); ok {
		slave.SII = cached
		return nil
	}

	image, err := sii.ReadImage(s.io, slave.Station, 100*time.Millisecond, s.clock)
	if err != nil {
		return err
	}
	s.cache.Store(image)
	slave.SII = image
	return nil
}
