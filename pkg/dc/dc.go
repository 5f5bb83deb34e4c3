// Package dc implements distributed-clocks bring-up and steady-state
// synchronization: measuring each slave's cable propagation delay,
// writing its system-time offset so every slave's clock reads the same
// value as the reference slave's, and filtering the reference slave's
// drift against the master's own time base each cycle.
//
// Grounded on the teacher's pkg/sync (windowed producer/consumer timing
// and tolerance tracking) and pkg/time (timestamp conversion, logger
// shape), generalized from a single CANopen SYNC/TIME object pair to
// EtherCAT's per-slave register protocol. Sync-pulse (SYNC0/SYNC1)
// register programming lives in pkg/slaveconfig's bring-up FSM
// (programDC), not here: this package only covers the delay/offset
// measurement step that precedes it and the steady-state drift filter
// that runs after the bus is cyclic.
package dc

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Register offsets this package touches, kept local to it rather than
// shared from a constants package, the same narrow-interface tradeoff
// used throughout this core.
const (
	regReceiveTimes = 0x0900 // broadcast-write latch trigger; read back per-slave for 4x4B port receive times
	regSystemTime   = 0x0910
	regSystemOffset = 0x0920
)

// RegisterIO is the register access this package needs: per-slave
// reads/writes plus the broadcast write the delay-measurement latch
// depends on. Satisfied by *pkg/master.RegisterIO.
type RegisterIO interface {
	WriteRegister(slave uint16, addr uint16, data []byte) error
	ReadRegister(slave uint16, addr uint16, length int) ([]byte, error)
	BroadcastWrite(addr uint16, data []byte) error
}

// PortReceiveTimes holds the four port receive timestamps (nanoseconds,
// free-running since slave power-up) a delay-measurement latch reads
// back from one slave.
type PortReceiveTimes [4]uint32

// Station is one slave's position in the delay-measurement chain: its
// station address and the port receive times a latch read back for it.
// Stations must be supplied in ring order (the order the broadcast
// frame visits them), the order pkg/scan records slaves in.
type Station struct {
	Station uint16
	Times   PortReceiveTimes
}

// Controller measures propagation delay and writes system-time offsets
// for one segment's slaves.
type Controller struct {
	io     RegisterIO
	logger *log.Logger
}

// NewController builds a Controller over io. A nil logger uses logrus's
// standard logger, matching the teacher's pkg/sync default.
func NewController(io RegisterIO, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{io: io, logger: logger}
}

// MeasureDelays broadcast-latches every station's port receive times in
// one exchange, reads each one back, and derives each non-reference
// station's propagation delay from the difference between its
// downstream (port 0) receive time and its upstream ring neighbor's
// outbound (port 1) receive time for the same frame. The reference
// station (stations[0]) always reports zero delay, matching the
// convention that downstream delays accumulate relative to it.
//
// This is a ring-topology simplification: it tracks only the two ports
// a line of slaves actually uses (0 in, 1 out) rather than every branch
// a full junction-redundant ring can have, sufficient for the
// point-to-point daisy chains this core targets.
func (c *Controller) MeasureDelays(stations []Station) (map[uint16]uint32, error) {
	if err := c.io.BroadcastWrite(regReceiveTimes, make([]byte, 4)); err != nil {
		return nil, fmt.Errorf("dc: latch port receive times: %w", err)
	}

	for i := range stations {
		raw, err := c.io.ReadRegister(stations[i].Station, regReceiveTimes, 16)
		if err != nil {
			return nil, fmt.Errorf("dc: read port receive times for slave %#x: %w", stations[i].Station, err)
		}
		for p := 0; p < 4; p++ {
			off := p * 4
			stations[i].Times[p] = binary.LittleEndian.Uint32(raw[off : off+4])
		}
	}

	delays := make(map[uint16]uint32, len(stations))
	if len(stations) == 0 {
		return delays, nil
	}
	delays[stations[0].Station] = 0
	for i := 1; i < len(stations); i++ {
		prev, cur := stations[i-1], stations[i]
		delays[cur.Station] = (cur.Times[0] - prev.Times[1]) / 2
		c.logger.WithFields(log.Fields{"slave": cur.Station, "delay_ns": delays[cur.Station]}).Debug("dc: measured propagation delay")
	}
	return delays, nil
}

// WriteOffset reads station's free-running system time and writes the
// offset (masterTime - slaveTime) to its system-time offset register,
// so the slave's adjusted clock (raw + offset) reads masterTime at the
// instant of the read.
func (c *Controller) WriteOffset(station uint16, masterTime uint64) error {
	raw, err := c.io.ReadRegister(station, regSystemTime, 8)
	if err != nil {
		return fmt.Errorf("dc: read system time for slave %#x: %w", station, err)
	}
	slaveTime := binary.LittleEndian.Uint64(raw)
	offset := masterTime - slaveTime

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, offset)
	if err := c.io.WriteRegister(station, regSystemOffset, buf); err != nil {
		return fmt.Errorf("dc: write system time offset for slave %#x: %w", station, err)
	}
	c.logger.WithFields(log.Fields{"slave": station, "offset_ns": offset}).Debug("dc: wrote system time offset")
	return nil
}

// DefaultWindow is the number of cycles a DriftFilter averages over
// before producing an adjustment, matching the spec's recorded default.
const DefaultWindow = 1024

// MaxAdjustNs clamps a single window's adjustment, bounding how fast the
// master's time base is allowed to slew per cycle.
const MaxAdjustNs = 1000

// DriftFilter tracks the reference slave's clock drift against the
// master's own time base, one sample per bus cycle, and periodically
// reports a clamped adjustment to apply to the master's time base.
// Grounded on the teacher's pkg/sync windowed tolerance tracking,
// generalized from "how late did this SYNC arrive" to "how far has the
// reference slave's clock drifted this window."
type DriftFilter struct {
	cycleNs int64
	window  int

	started  bool
	prevDiff int64
	deltaSum int64
	diffSum  int64
	count    int
}

// NewDriftFilter builds a filter for a bus cycle of cycleNs nanoseconds,
// averaging over DefaultWindow cycles.
func NewDriftFilter(cycleNs uint32) *DriftFilter {
	return &DriftFilter{cycleNs: int64(cycleNs), window: DefaultWindow}
}

// Started reports whether the filter has observed a non-zero diff yet,
// the point at which drift tracking actually begins.
func (f *DriftFilter) Started() bool { return f.started }

// Sample feeds one cycle's (masterTimePrev, referenceSlaveTime) pair,
// both expressed in the same free-running nanosecond base, and returns
// a window-boundary adjustment (0 on every other cycle). The first
// non-zero diff observed seeds the filter without producing an
// adjustment, matching dc_started semantics: there is no prior diff to
// take a delta against yet.
func (f *DriftFilter) Sample(masterTimePrev, referenceSlaveTime uint64) int64 {
	diff := (int64(masterTimePrev-referenceSlaveTime) % f.cycleNs) - f.cycleNs/2

	if !f.started {
		if diff != 0 {
			f.started = true
			f.prevDiff = diff
		}
		return 0
	}

	delta := diff - f.prevDiff
	f.prevDiff = diff
	f.deltaSum += delta
	f.diffSum += diff
	f.count++

	if f.count < f.window {
		return 0
	}

	avgDelta := f.deltaSum / int64(f.count)
	avgDiff := f.diffSum / int64(f.count)
	adjust := avgDelta + sign(avgDiff)
	f.deltaSum, f.diffSum, f.count = 0, 0, 0

	return clamp(adjust, -MaxAdjustNs, MaxAdjustNs)
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
