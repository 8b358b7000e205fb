package protocol

import "encoding/binary"

// OTA control commands, the first byte of every frame written to the OTA
// characteristic.
const (
	OTAStart byte = 0x01
	OTAData  byte = 0x02
	OTAEnd   byte = 0x03
	OTAAbort byte = 0x04
)

// DefaultMTU is the ATT MTU assumed when the platform cannot report one.
const DefaultMTU = 23

// MinChunkSize and MaxChunkSize bound the OTA payload carried by one DATA frame.
const (
	MinChunkSize = 20
	MaxChunkSize = 240
)

// attOverhead is the ATT write header plus the OTA command byte.
const attOverhead = 3 + 1

// StartFrame announces an image of size bytes.
func StartFrame(size uint32) []byte {
	b := make([]byte, 5)
	b[0] = OTAStart
	binary.LittleEndian.PutUint32(b[1:], size)
	return b
}

// DataFrame wraps one chunk of the image.
func DataFrame(chunk []byte) []byte {
	b := make([]byte, 1+len(chunk))
	b[0] = OTAData
	copy(b[1:], chunk)
	return b
}

// EndFrame tells the device the image is complete. The device reboots on receipt.
func EndFrame() []byte { return []byte{OTAEnd} }

// AbortFrame cancels a transfer in progress.
func AbortFrame() []byte { return []byte{OTAAbort} }

// ChunkSize returns the DATA payload size for a negotiated MTU.
func ChunkSize(mtu int) int {
	size := mtu - attOverhead
	if size < MinChunkSize {
		size = MinChunkSize
	}
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	return size
}
