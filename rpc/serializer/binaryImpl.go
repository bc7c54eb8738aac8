package serializer

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasServiceID byte = 1 << 0
	hasSessionID byte = 1 << 1
	hasCode      byte = 1 << 2
	hasErr       byte = 1 << 3
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(hdr common.FrameHeader) ([]byte, error) {
	result := make([]byte, b.sizeBytes(hdr))

	// Write header type
	result[0] = byte(hdr.HeaderType)

	var flags byte = 0

	// Start after HeaderType and flags
	pos := 2

	if hdr.ServiceID > 0 {
		flags |= hasServiceID
		binary.BigEndian.PutUint64(result[pos:pos+8], hdr.ServiceID)
		pos += 8
	}

	if hdr.SessionID > 0 {
		flags |= hasSessionID
		binary.BigEndian.PutUint64(result[pos:pos+8], hdr.SessionID)
		pos += 8
	}

	if hdr.Code > 0 {
		flags |= hasCode
		binary.BigEndian.PutUint32(result[pos:pos+4], hdr.Code)
		pos += 4
	}

	if hdr.Err != "" {
		flags |= hasErr
		errLen := len(hdr.Err)

		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(errLen))
		pos += 4

		copy(result[pos:pos+errLen], hdr.Err)
		pos += errLen
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, hdr *common.FrameHeader) error {
	// Check minimum size (HeaderType + flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for frame header")
	}

	*hdr = common.FrameHeader{HeaderType: common.HeaderType(data[0])}
	flags := data[1]
	pos := 2

	if flags&hasServiceID != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for service id")
		}
		hdr.ServiceID = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
	}

	if flags&hasSessionID != 0 {
		if pos+8 > len(data) {
			return fmt.Errorf("data too short for session id")
		}
		hdr.SessionID = binary.BigEndian.Uint64(data[pos : pos+8])
		pos += 8
	}

	if flags&hasCode != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for code")
		}
		hdr.Code = binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
	}

	if flags&hasErr != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for error length")
		}
		errLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4

		if pos+errLen > len(data) {
			return fmt.Errorf("data too short for error data")
		}
		hdr.Err = string(data[pos : pos+errLen])
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the exact number of bytes needed to serialize the header
func (b binarySerializerImpl) sizeBytes(hdr common.FrameHeader) int {
	size := 2 // HeaderType + flags

	if hdr.ServiceID > 0 {
		size += 8
	}
	if hdr.SessionID > 0 {
		size += 8
	}
	if hdr.Code > 0 {
		size += 4
	}
	if hdr.Err != "" {
		size += 4 + len(hdr.Err)
	}

	return size
}
