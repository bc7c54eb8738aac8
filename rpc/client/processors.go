package client

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport"
	"io"
)

// --------------------------------------------------------------------------
// Payload
// --------------------------------------------------------------------------

// PayloadProcessor maps a response to the payload of its main response
type PayloadProcessor struct{}

func (PayloadProcessor) IsMainResponseRequired() bool { return true }

func (PayloadProcessor) Process(ctx context.Context, resp transport.Response) ([]byte, error) {
	payload, err := resp.Payload(ctx)
	if err != nil {
		closeUnlessWaiting(resp, err)
		return nil, err
	}
	// the payload may share memory with the receive buffer
	out := append([]byte(nil), payload...)
	return out, resp.Close()
}

// --------------------------------------------------------------------------
// Query Head
// --------------------------------------------------------------------------

// QueryResult is the head of a query response with its connected result set
type QueryResult struct {
	// Name of the result set, sent as head by the server
	Name string

	rsw      transport.IResultSetWire
	metadata []byte
	hasMeta  bool
}

// QueryHeadProcessor maps the head of a query response and connects the result set
// named in the head
type QueryHeadProcessor struct{}

func (QueryHeadProcessor) IsMainResponseRequired() bool { return false }

func (QueryHeadProcessor) Process(ctx context.Context, resp transport.Response) (*QueryResult, error) {
	head, rsw, err := resp.Head(ctx)
	if err != nil {
		closeUnlessWaiting(resp, err)
		return nil, err
	}
	// the wire is ours now, the head reference is not needed anymore
	_ = resp.Close()

	q := &QueryResult{Name: string(head), rsw: rsw}
	if err := rsw.Connect(ctx, q.Name); err != nil {
		_ = rsw.Close()
		return nil, fmt.Errorf("%w: connecting result set %q: %v", common.ErrIO, q.Name, err)
	}
	return q, nil
}

// Metadata returns the schema chunk that precedes the records. It has to be read
// before the first Next.
func (q *QueryResult) Metadata(ctx context.Context) ([]byte, error) {
	if q.hasMeta {
		return q.metadata, nil
	}
	meta, err := q.rsw.ReceiveSchemaMetadata(ctx)
	if err != nil {
		return nil, err
	}
	q.metadata = append([]byte(nil), meta...)
	q.hasMeta = true
	return q.metadata, nil
}

// Next returns the next chunk of records and marks it consumed. It returns io.EOF after
// the last chunk.
func (q *QueryResult) Next(ctx context.Context) ([]byte, error) {
	if _, err := q.Metadata(ctx); err != nil {
		return nil, err
	}
	chunk, err := q.rsw.ReadChunk(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), chunk...)
	q.rsw.Dispose(len(chunk))
	return out, nil
}

// ReadAll reads all remaining chunks
func (q *QueryResult) ReadAll(ctx context.Context) ([][]byte, error) {
	var chunks [][]byte
	for {
		chunk, err := q.Next(ctx)
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

// Close releases the result set
func (q *QueryResult) Close() error {
	return q.rsw.Close()
}

// closeUnlessWaiting closes resp unless err only ended a local wait. The future keeps
// such a response and resumes with it on the next Get.
func closeUnlessWaiting(resp transport.Response, err error) {
	if errors.Is(err, common.ErrTimeout) || errors.Is(err, common.ErrInterrupted) {
		return
	}
	_ = resp.Close()
}
