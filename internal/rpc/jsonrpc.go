// Package rpc serves the daemon's local control surface: length-framed
// JSON-RPC 2.0 over a unix-domain stream socket. Every method except the
// bootstrap trio carries a token that the policy engine classifies.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hiboss/hiboss/internal/hberr"
)

// Each frame is a 4-byte big-endian payload length followed by the JSON
// payload.
const maxFrameSize = 10 * 1024 * 1024

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. Data carries the error kind plus any
// structured context (candidate ids, required levels, adapter details).
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes, one per error kind.
const (
	CodeAuth             = 1001
	CodePermissionDenied = 1002
	CodeNotFound         = 1003
	CodeAmbiguousPrefix  = 1004
	CodeConflict         = 1005
	CodeInvariant        = 1006
	CodeAdapter          = 1007
	CodeProvider         = 1008
	CodeCancelled        = 1009
	CodeInternal         = 1010
)

func codeForKind(kind hberr.Kind) int {
	switch kind {
	case hberr.KindValidation:
		return CodeInvalidParams
	case hberr.KindAuth:
		return CodeAuth
	case hberr.KindPermissionDenied:
		return CodePermissionDenied
	case hberr.KindNotFound:
		return CodeNotFound
	case hberr.KindAmbiguousPrefix:
		return CodeAmbiguousPrefix
	case hberr.KindConflict:
		return CodeConflict
	case hberr.KindInvariant:
		return CodeInvariant
	case hberr.KindAdapter:
		return CodeAdapter
	case hberr.KindProvider:
		return CodeProvider
	case hberr.KindCancelled:
		return CodeCancelled
	}
	return CodeInternal
}

// errorFor converts an application error into the wire error object.
func errorFor(err error) *Error {
	kind := hberr.KindOf(err)
	data := map[string]any{"kind": string(kind)}
	for k, v := range hberr.DataOf(err) {
		data[k] = v
	}
	raw, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		raw = nil
	}
	return &Error{Code: codeForKind(kind), Message: err.Error(), Data: raw}
}

// WriteFrame writes one length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
