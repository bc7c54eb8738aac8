package serializer

import "github.com/ValentinKolb/dLink/rpc/common"

// IRPCSerializer is the interface for all frame header serializers
type IRPCSerializer interface {
	// Serialize serializes a FrameHeader into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(hdr common.FrameHeader) ([]byte, error)
	// Deserialize deserializes a byte array into a FrameHeader
	// It takes a byte array and a pointer to a FrameHeader as parameters
	// It returns an error if any
	Deserialize(b []byte, hdr *common.FrameHeader) error
}

// ByName returns the serializer registered under name (binary, json, gob)
func ByName(name string) (IRPCSerializer, bool) {
	switch name {
	case "binary":
		return NewBinarySerializer(), true
	case "json":
		return NewJSONSerializer(), true
	case "gob":
		return NewGOBSerializer(), true
	default:
		return nil, false
	}
}
