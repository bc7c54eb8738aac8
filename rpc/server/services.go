package server

import (
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/google/uuid"
	"strconv"
	"strings"
)

// Service ids of the reference services
const (
	ServiceIDEcho     uint64 = 1
	ServiceIDSequence uint64 = 2
	ServiceIDStatus   uint64 = 3
)

// SequenceMetadata is the schema chunk of every sequence result set
const SequenceMetadata = "value:uint64"

// maxSequence bounds the rows of one sequence query
const maxSequence = 1_000_000

// RegisterDefaultServices registers the echo, sequence and status services
func RegisterDefaultServices(s *RPCServer) {
	s.Register(ServiceIDEcho, EchoService())
	s.Register(ServiceIDSequence, SequenceService(64))
	s.Register(ServiceIDStatus, StatusService())
}

// EchoService answers every request with its payload
func EchoService() IService {
	return ServiceFunc(func(req *Request, _ *Responder) ([]byte, error) {
		return req.Payload, nil
	})
}

// SequenceService is a query service. The payload is a decimal count n, the head of the
// response is the name of a result set carrying the values 1..n, rowsPerChunk rows
// (newline separated) per chunk. The main response is n.
func SequenceService(rowsPerChunk int) IService {
	rowsPerChunk = max(rowsPerChunk, 1)

	return ServiceFunc(func(req *Request, rw *Responder) ([]byte, error) {
		n, err := strconv.ParseUint(strings.TrimSpace(string(req.Payload)), 10, 64)
		if err != nil {
			return nil, common.NewServerError(CodeBadRequest, fmt.Sprintf("invalid count %q", req.Payload))
		}
		if n > maxSequence {
			return nil, common.NewServerError(CodeBadRequest, fmt.Sprintf("count %d exceeds %d", n, maxSequence))
		}

		name := uuid.NewString()
		if err := rw.Head([]byte(name)); err != nil {
			return nil, err
		}
		rs, err := rw.OpenResultSet(name)
		if err != nil {
			return nil, err
		}
		if err := writeSequence(rs, n, rowsPerChunk); err != nil {
			_ = rs.Close()
			return nil, err
		}
		if err := rs.Close(); err != nil {
			return nil, err
		}
		return []byte(strconv.FormatUint(n, 10)), nil
	})
}

func writeSequence(rs ResultSet, n uint64, rowsPerChunk int) error {
	if err := rs.Write([]byte(SequenceMetadata)); err != nil {
		return err
	}
	var chunk []byte
	rows := 0
	for i := uint64(1); i <= n; i++ {
		chunk = strconv.AppendUint(chunk, i, 10)
		chunk = append(chunk, '\n')
		rows++
		if rows == rowsPerChunk || i == n {
			if err := rs.Write(chunk); err != nil {
				return err
			}
			chunk, rows = nil, 0
		}
	}
	return nil
}

// StatusService fails every request with the decimal status code in its payload
func StatusService() IService {
	return ServiceFunc(func(req *Request, _ *Responder) ([]byte, error) {
		code, err := strconv.ParseUint(strings.TrimSpace(string(req.Payload)), 10, 32)
		if err != nil {
			return nil, common.NewServerError(CodeBadRequest, fmt.Sprintf("invalid status code %q", req.Payload))
		}
		return nil, common.NewServerError(uint32(code), "")
	})
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

// UserPasswordAuthenticator accepts the credentials of the given users. Without users
// every credential is accepted.
func UserPasswordAuthenticator(users map[string]string) func(credential []byte) error {
	return func(credential []byte) error {
		if len(users) == 0 {
			return nil
		}
		user, password, ok := strings.Cut(string(credential), "\x00")
		if !ok {
			return fmt.Errorf("user and password required")
		}
		if want, exists := users[user]; !exists || want != password {
			return fmt.Errorf("invalid user or password")
		}
		return nil
	}
}
