// Package uds carries CLI commands to a serving daemon over a Unix domain
// socket. Each connection holds one request and one response, both
// length-prefixed JSON frames.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
)

// ProtocolVersion is bumped on any incompatible frame change.
const ProtocolVersion = 1

// maxFrame bounds a single frame.
const maxFrame = 10 << 20

// Request is one command sent to the daemon.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// Error kinds. A validation error is rebuilt as *types.ValidationError on the
// client so callers classify it the same way as a local one.
const (
	KindValidation = "validation"
	KindDurability = "durability"
	KindCorruption = "corruption"
	KindProtocol   = "protocol"
	KindInternal   = "internal"
)

// Protocol-level codes. Validation errors carry their own code.
const (
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeBadParams        = "BAD_PARAMS"
	CodeDurability       = "DURABILITY"
	CodeCorruption       = "CORRUPTION"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Kind      string   `json:"kind"`
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Workspace string   `json:"workspace,omitempty"`
	Path      []string `json:"path,omitempty"`
}

// RemoteError is a non-validation failure reported by the daemon.
type RemoteError struct {
	Kind    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon: %s: %s", e.Code, e.Message)
}

// NewRequest marshals params into a request for command.
func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// SuccessResponse wraps data.
func SuccessResponse(data any) (*Response, error) {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal response: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// ErrorResponse classifies err into a failed response.
func ErrorResponse(err error) *Response {
	return &Response{Error: detailFor(err)}
}

func detailFor(err error) *ErrorDetail {
	var ve *types.ValidationError
	var re *RemoteError
	switch {
	case errors.As(err, &ve):
		return &ErrorDetail{
			Kind:      KindValidation,
			Code:      ve.Code,
			Message:   ve.Message,
			Workspace: ve.Workspace,
			Path:      ve.Path,
		}
	case store.IsCorruptionError(err):
		return &ErrorDetail{Kind: KindCorruption, Code: CodeCorruption, Message: err.Error()}
	case store.IsDurabilityError(err):
		return &ErrorDetail{Kind: KindDurability, Code: CodeDurability, Message: err.Error()}
	case errors.As(err, &re):
		return &ErrorDetail{Kind: re.Kind, Code: re.Code, Message: re.Message}
	}
	return &ErrorDetail{Kind: KindInternal, Code: CodeInternal, Message: err.Error()}
}

// Err turns a failed response back into an error.
func (d *ErrorDetail) Err() error {
	if d.Kind == KindValidation {
		return &types.ValidationError{Code: d.Code, Workspace: d.Workspace, Message: d.Message, Path: d.Path}
	}
	return &RemoteError{Kind: d.Kind, Code: d.Code, Message: d.Message}
}

// WriteFrame writes v as [4-byte big-endian length][JSON].
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrame {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
