package sii

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// LoadOverride parses an ini-formatted slave description that substitutes
// for EEPROM readout entirely. Grounded on the teacher's pkg/od/parser.go, which
// reads an EDS object dictionary the same way — ini sections describing
// a device — just describing mailbox/PDO geometry here instead of
// CANopen objects.
//
// Expected layout:
//
//	[identity]
//	alias = 0
//	vendor = 0x00000002
//	product = 0x07d83052
//	revision = 0x00120000
//	serial = 0
//
//	[mailbox]
//	out_offset = 0x1000
//	out_size = 256
//	in_offset = 0x1100
//	in_size = 256
//	protocols = CoE,FoE
//
//	[pdo "0x1600"]
//	name = Outputs
//	direction = rx
//	entries = 0x7000:1:1
func LoadOverride(path string) (*SII, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("sii: load override %s: %w", path, err)
	}

	s := &SII{}

	id := cfg.Section("identity")
	s.Identity.Alias = uint16(id.Key("alias").MustUint64(0))
	s.Identity.Vendor = uint32(id.Key("vendor").MustUint64(0))
	s.Identity.Product = uint32(id.Key("product").MustUint64(0))
	s.Identity.Revision = uint32(id.Key("revision").MustUint64(0))
	s.Identity.Serial = uint32(id.Key("serial").MustUint64(0))

	mb := cfg.Section("mailbox")
	s.MailboxOut = MailboxGeometry{
		Offset: uint16(mb.Key("out_offset").MustUint64(0)),
		Size:   uint16(mb.Key("out_size").MustUint64(0)),
	}
	s.MailboxIn = MailboxGeometry{
		Offset: uint16(mb.Key("in_offset").MustUint64(0)),
		Size:   uint16(mb.Key("in_size").MustUint64(0)),
	}
	s.Protocols = parseProtocolList(mb.Key("protocols").String())

	for _, sec := range cfg.Sections() {
		name := sec.Name()
		if len(name) < 4 || name[:4] != "pdo " {
			continue
		}
		pdo, direction, err := parsePDOSection(sec)
		if err != nil {
			return nil, err
		}
		if direction == "tx" {
			s.TxPDOs = append(s.TxPDOs, pdo)
		} else {
			s.RxPDOs = append(s.RxPDOs, pdo)
		}
	}
	return s, nil
}

func parseProtocolList(csv string) uint8 {
	var bits uint8
	cur := ""
	flush := func() {
		switch cur {
		case "AoE":
			bits |= ProtocolAoE
		case "EoE":
			bits |= ProtocolEoE
		case "CoE":
			bits |= ProtocolCoE
		case "FoE":
			bits |= ProtocolFoE
		case "SoE":
			bits |= ProtocolSoE
		case "VoE":
			bits |= ProtocolVoE
		}
		cur = ""
	}
	for _, r := range csv {
		if r == ',' || r == ' ' {
			flush()
			continue
		}
		cur += string(r)
	}
	flush()
	return bits
}

func parsePDOSection(sec *ini.Section) (PDODescriptor, string, error) {
	var idx uint16
	if _, err := fmt.Sscanf(sec.Name(), `pdo "0x%x"`, &idx); err != nil {
		return PDODescriptor{}, "", fmt.Errorf("sii: invalid pdo section name %q: %w", sec.Name(), err)
	}
	pdo := PDODescriptor{Index: idx, Name: sec.Key("name").String()}
	direction := sec.Key("direction").MustString("rx")

	entries := sec.Key("entries").Strings(",")
	for _, e := range entries {
		var entryIdx uint32
		var sub, bits uint8
		if _, err := fmt.Sscanf(e, "0x%x:%d:%d", &entryIdx, &sub, &bits); err != nil {
			return PDODescriptor{}, "", fmt.Errorf("sii: invalid pdo entry %q: %w", e, err)
		}
		pdo.Entries = append(pdo.Entries, PDOEntry{Index: uint16(entryIdx), SubIndex: sub, BitLen: bits})
	}
	return pdo, direction, nil
}
