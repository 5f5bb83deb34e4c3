// Package sii reads and parses a slave's Slave Information Interface
// EEPROM image: identity words, mailbox geometry, and
// category TLVs (Strings/General/SM/TxPDO/RxPDO). Grounded on the
// teacher's pkg/od/parser*.go — those walk an EDS file section by
// section building up an ObjectDictionary; this package walks an SII
// image category by category building up the same kind of descriptive
// data, just from a binary TLV stream instead of ini text.
package sii

// Fixed identity word offsets.
const (
	wordAlias    = 0x04
	wordVendor   = 0x08
	wordProduct  = 0x0A
	wordRevision = 0x0C
	wordSerial   = 0x0E

	wordMailboxOutOffset = 0x18
	wordMailboxOutSize   = 0x19
	wordMailboxInOffset  = 0x1A
	wordMailboxInSize    = 0x1B
	wordMailboxProtocols = 0x1C

	firstCategoryOffset = 0x40
	categoryTerminator  = 0xFFFF

	// MaxSize bounds how far the linear category sweep will read, a
	// safety cap against a malformed or missing terminator.
	MaxSize = 4096
)

// Mailbox protocol support bits, as reported by SII word 0x1C.
const (
	ProtocolAoE = 1 << 0
	ProtocolEoE = 1 << 1
	ProtocolCoE = 1 << 2
	ProtocolFoE = 1 << 3
	ProtocolSoE = 1 << 4
	ProtocolVoE = 1 << 5
)

// MailboxGeometry is one direction's mailbox offset/size as read from SII.
type MailboxGeometry struct {
	Offset uint16
	Size   uint16
}

// Valid reports whether this geometry was actually programmed.
func (m MailboxGeometry) Valid() bool {
	return m.Offset != 0xFFFF && m.Size != 0xFFFF && m.Size != 0
}

// PDOEntry is one entry within a PDO descriptor: an object dictionary
// index/subindex and its bit length.
type PDOEntry struct {
	Index    uint16
	SubIndex uint8
	BitLen   uint8
	Name     string
}

// PDODescriptor is one RxPDO or TxPDO category entry.
type PDODescriptor struct {
	Index   uint16
	Name    string
	Entries []PDOEntry
}

// SyncManagerDescriptor is one SM category entry.
type SyncManagerDescriptor struct {
	PhysicalStartAddress uint16
	Length               uint16
	ControlByte          uint8
	Enabled              bool
}

// Identity is the tuple used to recognize a slave across rescans.
type Identity struct {
	Alias    uint16
	Vendor   uint32
	Product  uint32
	Revision uint32
	Serial   uint32
}

// HasAlias reports whether Alias is non-zero, making (alias,revision) a
// usable identity key on its own.
func (id Identity) HasAlias() bool { return id.Alias != 0 }

// SII is the parsed contents of a slave's EEPROM image (or an override
// that substitutes for one).
type SII struct {
	Identity Identity

	MailboxOut MailboxGeometry // host -> slave (RX mailbox)
	MailboxIn  MailboxGeometry // slave -> host (TX mailbox)
	Protocols  uint8

	Strings       []string
	SyncManagers  []SyncManagerDescriptor
	TxPDOs        []PDODescriptor
	RxPDOs        []PDODescriptor

	// Words is the raw image, kept so a cache hit can be distinguished
	// from a freshly-read one and so unusual vendor categories can be
	// inspected without a full re-parse.
	Words []uint16
}

func (s *SII) SupportsProtocol(bit uint8) bool { return s.Protocols&bit != 0 }
