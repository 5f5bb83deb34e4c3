package coe

import (
	"encoding/binary"
	"fmt"
)

// ListAll requests every object in the dictionary (SDO Info "Get OD
// List" ListType 0x0001, the only category this reader issues).
const ListAll = 0x0001

// EntryDescription is one subindex's description within an object.
type EntryDescription struct {
	SubIndex uint8
	DataType uint16
	BitLen   uint16
	Access   uint16
	Name     string
}

// ObjectDescription is the full description of one dictionary object:
// its max subindex and the descriptions for subindices 0..MaxSubindex.
type ObjectDescription struct {
	Index       uint16
	MaxSubindex uint8
	Entries     []EntryDescription
}

// Dictionary reads a slave's object dictionary over CoE SDO Info
// services: the index list, then object and entry descriptions for
// each index. Grounded on the teacher's pkg/sdo/requests.go request
// builders, generalized from single-object SDO requests to the
// listing/description services CoE adds on top.
type Dictionary struct {
	client *Client
}

func NewDictionary(client *Client) *Dictionary {
	return &Dictionary{client: client}
}

// Indices requests the OD list for listType (ListAll by default),
// following fragmented replies until the server reports zero fragments
// left.
func (d *Dictionary) Indices(listType uint16) ([]uint16, error) {
	req := make([]byte, 6)
	copy(req[0:2], encodeCoEHeader(serviceSDOInfo))
	req[2] = opGetODListReq
	binary.LittleEndian.PutUint16(req[4:6], listType)

	resp, err := d.client.exchange(req, 0)
	if err != nil {
		return nil, err
	}

	var indices []uint16
	for {
		if resp[2]&0x0F == opInfoError {
			return indices, parseAbort(resp)
		}
		if resp[2]&0x0F != opGetODListResp {
			return nil, fmt.Errorf("coe: unexpected info response opcode 0x%02x", resp[2]&0x0F)
		}
		fragmentsLeft := binary.LittleEndian.Uint16(resp[4:6])
		body := resp[6:]
		for i := 0; i+2 <= len(body); i += 2 {
			indices = append(indices, binary.LittleEndian.Uint16(body[i:i+2]))
		}
		if fragmentsLeft == 0 {
			break
		}
		resp, err = d.client.awaitResponse(0)
		if err != nil {
			return indices, err
		}
	}
	return indices, nil
}

// Describe reads the full object and entry descriptions for index,
// covering subindices 0..max_subindex as reported by the object
// description reply.
func (d *Dictionary) Describe(index uint16) (ObjectDescription, error) {
	req := make([]byte, 6)
	copy(req[0:2], encodeCoEHeader(serviceSDOInfo))
	req[2] = opGetObjDescReq
	binary.LittleEndian.PutUint16(req[4:6], index)

	resp, err := d.client.exchange(req, 0)
	if err != nil {
		return ObjectDescription{}, err
	}
	if resp[2]&0x0F == opInfoError {
		return ObjectDescription{}, parseAbort(resp)
	}
	if resp[2]&0x0F != opGetObjDescResp || len(resp) < 9 {
		return ObjectDescription{}, fmt.Errorf("coe: unexpected object description response")
	}
	maxSub := resp[8]

	obj := ObjectDescription{Index: index, MaxSubindex: maxSub}
	for sub := uint8(0); sub <= maxSub; sub++ {
		entry, err := d.describeEntry(index, sub)
		if err != nil {
			return ObjectDescription{}, err
		}
		obj.Entries = append(obj.Entries, entry)
	}
	return obj, nil
}

func (d *Dictionary) describeEntry(index uint16, subindex uint8) (EntryDescription, error) {
	req := make([]byte, 8)
	copy(req[0:2], encodeCoEHeader(serviceSDOInfo))
	req[2] = opGetEntryDescReq
	binary.LittleEndian.PutUint16(req[4:6], index)
	req[6] = subindex

	resp, err := d.client.exchange(req, 0)
	if err != nil {
		return EntryDescription{}, err
	}
	if resp[2]&0x0F == opInfoError {
		return EntryDescription{}, parseAbort(resp)
	}
	if resp[2]&0x0F != opGetEntryDescResp || len(resp) < 16 {
		return EntryDescription{}, fmt.Errorf("coe: unexpected entry description response")
	}

	return EntryDescription{
		SubIndex: subindex,
		DataType: binary.LittleEndian.Uint16(resp[8:10]),
		BitLen:   binary.LittleEndian.Uint16(resp[10:12]),
		Access:   binary.LittleEndian.Uint16(resp[12:14]),
		Name:     string(resp[16:]),
	}, nil
}
