package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Frame Header Structure
// --------------------------------------------------------------------------

// FrameHeader is the envelope that precedes every request and response payload.
// The payload itself is opaque to the transport; only the header is interpreted.
type FrameHeader struct {
	// Type of header
	HeaderType HeaderType `json:"header_type"`

	// Request fields
	ServiceID uint64 `json:"service_id,omitempty"` // Used for: Request
	SessionID uint64 `json:"session_id,omitempty"` // Used for: Request

	// Response only fields
	Code uint32 `json:"code,omitempty"` // Used for: ServerDiagnostics
	Err  string `json:"err,omitempty"`  // Used for: ServerDiagnostics
}

// --------------------------------------------------------------------------
// Frame Header Factory Functions
// --------------------------------------------------------------------------

// NewRequestHeader creates a header addressing a service within a session
func NewRequestHeader(serviceID, sessionID uint64) *FrameHeader {
	return &FrameHeader{
		HeaderType: HdrTRequest,
		ServiceID:  serviceID,
		SessionID:  sessionID,
	}
}

// NewResultHeader creates a header for a successful service result
func NewResultHeader() *FrameHeader {
	return &FrameHeader{
		HeaderType: HdrTServiceResult,
	}
}

// NewDiagnosticsHeader creates a header reporting a server side error
func NewDiagnosticsHeader(code uint32, err string) *FrameHeader {
	return &FrameHeader{
		HeaderType: HdrTServerDiagnostics,
		Code:       code,
		Err:        err,
	}
}

// AsError returns the ServerError described by a diagnostics header, nil otherwise
func (h *FrameHeader) AsError() error {
	if h.HeaderType != HdrTServerDiagnostics {
		return nil
	}
	return NewServerError(h.Code, h.Err)
}

// --------------------------------------------------------------------------
// Header Type Definition
// --------------------------------------------------------------------------

// HeaderType defines the kind of frame header.
type HeaderType uint8

const (
	HdrTUnknown           HeaderType = iota
	HdrTRequest                      // Request sent to a service
	HdrTServiceResult                // Response carrying a service payload
	HdrTServerDiagnostics            // Response carrying a server side error
)

// String returns the string representation of a HeaderType.
func (t HeaderType) String() string {
	switch t {
	case HdrTRequest:
		return "request"
	case HdrTServiceResult:
		return "result"
	case HdrTServerDiagnostics:
		return "diagnostics"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for HeaderType.
func (t HeaderType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for HeaderType.
func (t *HeaderType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "request":
		*t = HdrTRequest
	case "result":
		*t = HdrTServiceResult
	case "diagnostics":
		*t = HdrTServerDiagnostics
	case "unknown":
		*t = HdrTUnknown
	default:
		return fmt.Errorf("unknown header type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Credentials
// --------------------------------------------------------------------------

// Credential is presented to the server during the handshake.
// The transport only forwards its bytes, it never interprets them.
type Credential interface {
	Bytes() []byte
}

// NullCredential is the credential of an anonymous session
type NullCredential struct{}

func (NullCredential) Bytes() []byte { return nil }

// UserPasswordCredential carries a user name and a password
type UserPasswordCredential struct {
	User     string
	Password string
}

func (c UserPasswordCredential) Bytes() []byte {
	return []byte(c.User + "\x00" + c.Password)
}
