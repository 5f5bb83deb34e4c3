// Package domain builds the cyclic process-data image that the
// application's realtime task exchanges with every slave once per bus
// cycle: register entries into it, allocate FMMUs over its regions,
// queue logical datagrams that move the whole image in one exchange,
// and aggregate the working-counter outcome of the last cycle.
// Grounded on the teacher's pkg/pdo (common.go's configureMap, rpdo.go/
// tpdo.go's per-node mapped buffer), generalized from "one CANopen
// node's PDOs packed into its own CAN frames" to "every slave's PDOs
// packed into one shared logical image walked by LRD/LWR datagrams."
package domain

import (
	"fmt"

	ethercat "github.com/ecat-go/goethercat"
	"github.com/ecat-go/goethercat/pkg/datagram"
)

// Direction mirrors pkg/slaveconfig.Direction, declared locally so this
// package stays free of a dependency on it, the same narrow-interface
// tradeoff used throughout this core.
type Direction uint8

const (
	DirOutput Direction = 0 // master writes to slave (RxPDO from the slave's perspective)
	DirInput  Direction = 1 // slave writes to master (TxPDO)
)

// PDOEntry is one object dictionary entry mapped into a PDO, carrying
// just enough to compute its place in the logical image.
type PDOEntry struct {
	Index    uint16
	Subindex uint8
	BitLen   uint8
}

// PDOAssignment is one PDO object's ordered entry list, as assigned to
// a sync manager.
type PDOAssignment struct {
	Index   uint16
	Entries []PDOEntry
}

// SyncManagerEntries is one sync manager's full PDO assignment, in the
// order its entries are packed contiguously into the image.
type SyncManagerEntries struct {
	Index     uint8
	Direction Direction
	PDOs      []PDOAssignment
}

// SlaveConfig is the subset of a slave's declared PDO mapping a domain
// needs to compute byte offsets and FMMU spans: which entries are
// assigned to which sync manager, in order. Distinct from
// pkg/slaveconfig.Config, which additionally carries bring-up details
// (watchdogs, DC, SDO config list) a domain has no use for.
type SlaveConfig struct {
	Station              uint16
	PhysicalStartAddress map[uint8]uint16 // sync manager index -> physical start address
	SyncManagers         []SyncManagerEntries
}

// FMMU is one allocated span of the logical image, backing a single
// (slave, sync manager) pair.
type FMMU struct {
	Station              uint16
	SMIndex              uint8
	Direction            Direction
	LogicalStartAddress  uint32
	PhysicalStartAddress uint16
	Length               uint16 // bytes
}

type fmmuKey struct {
	station uint16
	sm      uint8
	dir     Direction
}

// State is the aggregate working-counter outcome of the last cycle's
// domain exchange.
type State uint8

const (
	StateZero State = iota
	StateIncomplete
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateZero:
		return "zero"
	case StateIncomplete:
		return "incomplete"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Domain owns one logical process-data image, the FMMUs allocated over
// it, and the datagrams queued against it each cycle.
type Domain struct {
	image      []byte
	fmmus      []*FMMU
	fmmuByKey  map[fmmuKey]*FMMU
	pending    []*datagram.Datagram
	expectedWC int
	state      State
}

// NewDomain returns an empty domain ready to register entries into.
func NewDomain() *Domain {
	return &Domain{fmmuByKey: make(map[fmmuKey]*FMMU)}
}

// Image returns the domain's logical process-data buffer. The
// application reads/writes its slice of it directly between Process
// and Queue each cycle, the same raw-pointer access pattern spec.md's
// read_u8/write_u8 family describes.
func (d *Domain) Image() []byte { return d.image }

// PrepareFMMU allocates a new FMMU for (sc.Station, smIndex, dir) at the
// current end of the logical image, sized to the sum of that sync
// manager's assigned entry bit-lengths, or returns the existing FMMU if
// one was already allocated for the same triple.
func (d *Domain) PrepareFMMU(sc *SlaveConfig, smIndex uint8, dir Direction) (*FMMU, error) {
	key := fmmuKey{station: sc.Station, sm: smIndex, dir: dir}
	if existing, ok := d.fmmuByKey[key]; ok {
		return existing, nil
	}

	sm, err := findSyncManager(sc, smIndex)
	if err != nil {
		return nil, err
	}
	bits := 0
	for _, pdo := range sm.PDOs {
		for _, e := range pdo.Entries {
			bits += int(e.BitLen)
		}
	}
	byteLen := (bits + 7) / 8

	f := &FMMU{
		Station:              sc.Station,
		SMIndex:              smIndex,
		Direction:            dir,
		LogicalStartAddress:  uint32(len(d.image)),
		PhysicalStartAddress: sc.PhysicalStartAddress[smIndex],
		Length:               uint16(byteLen),
	}
	d.image = append(d.image, make([]byte, byteLen)...)
	d.fmmus = append(d.fmmus, f)
	d.fmmuByKey[key] = f
	return f, nil
}

// FMMUs returns every FMMU allocated so far, in allocation order.
func (d *Domain) FMMUs() []*FMMU {
	out := make([]*FMMU, len(d.fmmus))
	copy(out, d.fmmus)
	return out
}

func findSyncManager(sc *SlaveConfig, smIndex uint8) (*SyncManagerEntries, error) {
	for i := range sc.SyncManagers {
		if sc.SyncManagers[i].Index == smIndex {
			return &sc.SyncManagers[i], nil
		}
	}
	return nil, fmt.Errorf("domain: slave %#x has no sync manager %d registered", sc.Station, smIndex)
}

// RegisterPDOEntry computes where one mapped entry lies in the logical
// image: it walks sc's assigned PDOs, summing entry bit-lengths in
// declaration order until it reaches the (pdoIndex, entryIndex,
// entrySub) entry, and allocates (or reuses) the FMMU backing that
// entry's sync manager. Returns the byte offset into Image() and the
// bit position within that byte (0 for any entry whose preceding run
// lands on a byte boundary, the common case for byte-aligned mappings).
func (d *Domain) RegisterPDOEntry(sc *SlaveConfig, pdoIndex uint16, entryIndex uint16, entrySub uint8) (byteOffset int, bitPos uint8, err error) {
	for _, sm := range sc.SyncManagers {
		bitsBefore := 0
		for _, pdo := range sm.PDOs {
			for _, e := range pdo.Entries {
				if pdo.Index == pdoIndex && e.Index == entryIndex && e.Subindex == entrySub {
					f, ferr := d.PrepareFMMU(sc, sm.Index, sm.Direction)
					if ferr != nil {
						return 0, 0, ferr
					}
					return int(f.LogicalStartAddress) + bitsBefore/8, uint8(bitsBefore % 8), nil
				}
				bitsBefore += int(e.BitLen)
			}
		}
	}
	return 0, 0, fmt.Errorf("domain: slave %#x has no mapped entry %#04x:%d in PDO %#04x",
		sc.Station, entryIndex, entrySub, pdoIndex)
}

// Queuer is the narrow datagram sink Queue needs, satisfied by
// *datagram.Queue.
type Queuer interface {
	Push(d *datagram.Datagram)
}

// Queue allocates one logical datagram per FMMU (LWR for an output
// FMMU, LRD for an input one) and pushes each onto q, per spec's
// "domain_queue appends one LRD, LWR, or LRW datagram per FMMU group."
// The datagrams allocated are retained so the following Process call
// can read their outcome.
func (d *Domain) Queue(pool *datagram.Pool, q Queuer) error {
	d.pending = d.pending[:0]
	d.expectedWC = 0
	for _, f := range d.fmmus {
		region := d.image[f.LogicalStartAddress : int(f.LogicalStartAddress)+int(f.Length)]
		var cmd ethercat.Command
		var payload []byte
		if f.Direction == DirOutput {
			cmd = ethercat.CmdLWR
			payload = region
		} else {
			cmd = ethercat.CmdLRD
			payload = make([]byte, f.Length)
		}
		dg, err := pool.Alloc(cmd, ethercat.LogicalAddress(f.LogicalStartAddress), payload)
		if err != nil {
			return fmt.Errorf("domain: queue FMMU for slave %#x sm %d: %w", f.Station, f.SMIndex, err)
		}
		q.Push(dg)
		d.pending = append(d.pending, dg)
		d.expectedWC++
	}
	return nil
}

// Process reads back every datagram Queue sent this cycle, copies
// received input-direction payloads into the image, releases the
// datagrams to pool, and computes the aggregate WC-state: zero if no
// slave responded, incomplete if fewer responded than FMMUs were
// queued, complete if every one did.
func (d *Domain) Process(pool *datagram.Pool) State {
	var wcSum int
	for i, dg := range d.pending {
		if dg.State() == datagram.StateReceived {
			wcSum += int(dg.WorkingCounter())
			f := d.fmmus[i]
			if f.Direction == DirInput {
				copy(d.image[f.LogicalStartAddress:int(f.LogicalStartAddress)+int(f.Length)], dg.Payload())
			}
		}
		pool.Release(dg)
	}
	d.pending = d.pending[:0]

	switch {
	case wcSum == 0:
		d.state = StateZero
	case wcSum < d.expectedWC:
		d.state = StateIncomplete
	default:
		d.state = StateComplete
	}
	return d.state
}

// State returns the WC-state computed by the most recent Process call.
func (d *Domain) State() State { return d.state }
