package sii

import "encoding/binary"

// Category TLV type codes.
const (
	categoryStrings = 0x0A
	categoryGeneral = 0x1E
	categorySM      = 0x29
	categoryTxPDO   = 0x32
	categoryRxPDO   = 0x33
)

func wordsToBytes(words []uint16) []byte {
	b := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(b[i*2:], w)
	}
	return b
}

func applyCategory(s *SII, catType uint16, words []uint16) {
	b := wordsToBytes(words)
	switch catType {
	case categoryStrings:
		s.Strings = parseStrings(b)
	case categoryGeneral:
		// General category carries vendor display info this core has
		// no consumer for beyond identity, already read from fixed
		// words; left a no-op placeholder so unknown category types
		// don't walk off the end of the sweep.
	case categorySM:
		s.SyncManagers = parseSyncManagers(b)
	case categoryTxPDO:
		s.TxPDOs = append(s.TxPDOs, parsePDOs(b, s.Strings)...)
	case categoryRxPDO:
		s.RxPDOs = append(s.RxPDOs, parsePDOs(b, s.Strings)...)
	}
}

// parseStrings reads a sequence of length-prefixed strings: a leading
// count byte, then count strings each as (len byte, len bytes).
func parseStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	count := int(b[0])
	out := make([]string, 0, count)
	pos := 1
	for i := 0; i < count && pos < len(b); i++ {
		n := int(b[pos])
		pos++
		if pos+n > len(b) {
			break
		}
		out = append(out, string(b[pos:pos+n]))
		pos += n
	}
	return out
}

func stringAt(strings []string, idx uint8) string {
	if idx == 0 || int(idx) > len(strings) {
		return ""
	}
	return strings[idx-1]
}

// parseSyncManagers reads 8-byte records: PhysStartAddr(u16), Length(u16),
// ControlRegister(u8), StatusRegister(u8, unused), Enable(u8), SMType(u8).
func parseSyncManagers(b []byte) []SyncManagerDescriptor {
	const recLen = 8
	var out []SyncManagerDescriptor
	for pos := 0; pos+recLen <= len(b); pos += recLen {
		out = append(out, SyncManagerDescriptor{
			PhysicalStartAddress: binary.LittleEndian.Uint16(b[pos : pos+2]),
			Length:               binary.LittleEndian.Uint16(b[pos+2 : pos+4]),
			ControlByte:          b[pos+4],
			Enabled:              b[pos+6] != 0,
		})
	}
	return out
}

// parsePDOs reads one or more PDO descriptors: an 8-byte header
// (PDOIndex u16, NumEntries u8, SyncManager u8, Synchronization u8,
// NameIdx u8, Flags u16) followed by NumEntries 8-byte entries (Index
// u16, SubIndex u8, NameIdx u8, DataType u8, BitLen u8, Flags u16).
func parsePDOs(b []byte, strings []string) []PDODescriptor {
	const hdrLen = 8
	const entryLen = 8
	var out []PDODescriptor
	pos := 0
	for pos+hdrLen <= len(b) {
		pdoIndex := binary.LittleEndian.Uint16(b[pos : pos+2])
		numEntries := int(b[pos+2])
		nameIdx := b[pos+5]
		pos += hdrLen

		pdo := PDODescriptor{Index: pdoIndex, Name: stringAt(strings, nameIdx)}
		for i := 0; i < numEntries && pos+entryLen <= len(b); i++ {
			entry := b[pos : pos+entryLen]
			pdo.Entries = append(pdo.Entries, PDOEntry{
				Index:    binary.LittleEndian.Uint16(entry[0:2]),
				SubIndex: entry[2],
				BitLen:   entry[5],
				Name:     stringAt(strings, entry[3]),
			})
			pos += entryLen
		}
		out = append(out, pdo)
		if pos+hdrLen > len(b) {
			break
		}
	}
	return out
}
