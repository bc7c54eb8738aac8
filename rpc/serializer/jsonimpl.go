package serializer

import (
	"encoding/json"
	"github.com/ValentinKolb/dLink/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(hdr common.FrameHeader) ([]byte, error) {
	return json.Marshal(hdr)
}

func (j jsonSerializerImpl) Deserialize(b []byte, hdr *common.FrameHeader) error {
	return json.Unmarshal(b, hdr)
}
