package coe

import (
	"encoding/binary"
	"fmt"

	ethercat "github.com/ecat-go/goethercat"
)

// Download writes data to index:subindex on the client's slave,
// choosing expedited or normal transfer by size. Fragmentation beyond
// a single mailbox frame is not implemented: data larger than what the
// mailbox can carry in one frame returns ErrOverflow with a clear
// message rather than silently truncating.
func (c *Client) Download(index uint16, subindex uint8, data []byte) error {
	if len(data) <= 4 {
		return c.downloadExpedited(index, subindex, data)
	}
	return c.downloadNormal(index, subindex, data)
}

func (c *Client) downloadExpedited(index uint16, subindex uint8, data []byte) error {
	cmd := uint8(cmdDownloadExpedited)
	padBits := 4 - len(data)
	cmd |= uint8(padBits) << 2

	frame := make([]byte, 10)
	copy(frame[0:2], encodeCoEHeader(serviceSDORequest))
	frame[2] = cmd
	binary.LittleEndian.PutUint16(frame[3:5], index)
	frame[5] = subindex
	copy(frame[6:6+len(data)], data)

	resp, err := c.exchange(frame, 0)
	if err != nil {
		return err
	}
	if isAbort(resp) {
		return parseAbort(resp)
	}
	if resp[2] != cmdDownloadResponse {
		return fmt.Errorf("coe: unexpected download response command 0x%02x", resp[2])
	}
	return nil
}

func (c *Client) downloadNormal(index uint16, subindex uint8, data []byte) error {
	frame := make([]byte, 10+len(data))
	copy(frame[0:2], encodeCoEHeader(serviceSDORequest))
	frame[2] = cmdDownloadInitiate | 0x01 // size indicated
	binary.LittleEndian.PutUint16(frame[3:5], index)
	frame[5] = subindex
	binary.LittleEndian.PutUint32(frame[6:10], uint32(len(data)))
	copy(frame[10:], data)

	maxPayload, err := c.maxMailboxPayload()
	if err != nil {
		return err
	}
	if len(frame) > maxPayload {
		return fmt.Errorf("%w: coe: download of %d bytes to %#x:%d exceeds the mailbox in one frame and segmented transfer is not supported", ethercat.ErrOverflow, len(data), index, subindex)
	}

	resp, err := c.exchange(frame, 0)
	if err != nil {
		return err
	}
	if isAbort(resp) {
		return parseAbort(resp)
	}
	if resp[2] != cmdDownloadResponse {
		return fmt.Errorf("coe: unexpected download response command 0x%02x", resp[2])
	}
	return nil
}

// maxMailboxPayload reports the usable mailbox payload size for this
// client's slave, used to detect up front when a normal download would
// need fragmentation this package doesn't implement.
func (c *Client) maxMailboxPayload() (int, error) {
	return c.transport.OutPayloadSize(c.slave)
}
