package coe

import (
	"encoding/binary"
	"fmt"
)

// Upload reads index:subindex from the client's slave. It requests an
// upload and then follows whichever transfer the server chooses:
// expedited (data inline in the response) or normal, continuing with
// segmented requests until the last-segment bit is set.
//
// The server's advertised complete size and the size actually received
// must match; on mismatch the data received so far is still returned,
// alongside a warning logged through the client's logger.
func (c *Client) Upload(index uint16, subindex uint8) ([]byte, error) {
	frame := make([]byte, 8)
	copy(frame[0:2], encodeCoEHeader(serviceSDORequest))
	frame[2] = cmdUploadInitiate
	binary.LittleEndian.PutUint16(frame[3:5], index)
	frame[5] = subindex

	resp, err := c.exchange(frame, 0)
	if err != nil {
		return nil, err
	}
	if isAbort(resp) {
		return nil, parseAbort(resp)
	}
	if resp[2]&0xF0 != 0x40 {
		return nil, fmt.Errorf("coe: unexpected upload response command 0x%02x", resp[2])
	}

	if resp[2]&0x02 != 0 {
		return c.uploadExpedited(resp)
	}
	return c.uploadSegmented(index, subindex, resp)
}

func (c *Client) uploadExpedited(resp []byte) ([]byte, error) {
	size := 4
	if resp[2]&0x01 != 0 {
		size -= int(resp[2]>>2) & 0x03
	}
	if len(resp) < 6+size {
		return nil, fmt.Errorf("coe: expedited upload response too short")
	}
	return append([]byte(nil), resp[6:6+size]...), nil
}

func (c *Client) uploadSegmented(index uint16, subindex uint8, initial []byte) ([]byte, error) {
	var completeSize uint32
	if initial[2]&0x01 != 0 {
		completeSize = binary.LittleEndian.Uint32(initial[6:10])
	}
	data := append([]byte(nil), initial[10:]...)

	toggle := uint8(0)
	for {
		if completeSize > 0 && uint32(len(data)) >= completeSize {
			break
		}
		frame := make([]byte, 8)
		copy(frame[0:2], encodeCoEHeader(serviceSDORequest))
		frame[2] = 0x60 | toggle

		resp, err := c.exchange(frame, 0)
		if err != nil {
			return data, err
		}
		if isAbort(resp) {
			return data, parseAbort(resp)
		}
		if resp[2]&0xE0 != 0x00 {
			return data, fmt.Errorf("coe: unexpected upload segment response command 0x%02x", resp[2])
		}
		respToggle := resp[2] & 0x10
		if respToggle != toggle {
			return data, AbortToggleBit
		}

		segCount := 7 - (resp[2]>>1)&0x07
		if int(segCount) > len(resp)-3 {
			segCount = uint8(len(resp) - 3)
		}
		data = append(data, resp[3:3+segCount]...)
		last := resp[2]&0x01 != 0
		toggle ^= 0x10
		if last {
			break
		}
	}

	if completeSize > 0 && uint32(len(data)) != completeSize {
		c.logger.WithFields(map[string]any{
			"index":    fmt.Sprintf("0x%04x", index),
			"subindex": subindex,
			"expected": completeSize,
			"received": len(data),
		}).Warn("coe: uploaded size does not match advertised complete size")
	}
	return data, nil
}
