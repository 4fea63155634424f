package rpc

import (
	"encoding/json"
	"fmt"
)

const (
	Version = "2.0"

	MethodInput  = "input"
	MethodOutput = "output"
	MethodEcho   = "other_method"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

const (
	KeyInputText   = "input_text"
	KeyInputImage  = "input_image"
	KeyInputAudio  = "input_audio"
	KeyOutputText  = "output_text"
	KeyOutputImage = "output_image"
	KeyOutputAudio = "output_audio"
)

// Request is a decoded inbound frame. ID keeps the caller's raw JSON so it
// can be echoed without renumbering.
type Request struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	ID              json.RawMessage `json:"id"`
}

// Response is either a success envelope (Method and Params set) or an error
// envelope (Error set). A nil ID is written as null.
type Response struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Method          string          `json:"method,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	ID              json.RawMessage `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func ErrParse() *Error          { return NewError(CodeParseError, "Parse error") }
func ErrInvalidRequest() *Error { return NewError(CodeInvalidRequest, "Invalid Request") }
func ErrMethodNotFound() *Error { return NewError(CodeMethodNotFound, "Method not found") }
func ErrInvalidParams() *Error  { return NewError(CodeInvalidParams, "Invalid params") }

// ParamObject is one element of a params array. Only the recognized
// modality keys carry meaning; everything else is ignored.
type ParamObject map[string]json.RawMessage
