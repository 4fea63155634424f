package rpc

import (
	"bytes"
	"encoding/json"
)

var nullID = json.RawMessage("null")

// Decode parses one frame and checks the envelope. Parse failures and
// envelope failures carry no id because none could be trusted.
func Decode(frame []byte) (*Request, *Error) {
	if !json.Valid(frame) {
		return nil, ErrParse()
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		// Valid JSON that is not an object.
		return nil, ErrInvalidRequest()
	}

	version, ok := fields["protocolVersion"]
	if !ok {
		version, ok = fields["jsonrpc"]
	}
	if !ok {
		return nil, ErrInvalidRequest()
	}
	rawMethod, ok := fields["method"]
	if !ok {
		return nil, ErrInvalidRequest()
	}
	id, ok := fields["id"]
	if !ok {
		return nil, ErrInvalidRequest()
	}

	// A method that is not a string matches no handler; the id is still
	// good, so the caller answers method-not-found.
	var method string
	_ = json.Unmarshal(rawMethod, &method)
	req := &Request{
		ProtocolVersion: Version,
		Method:          method,
		Params:          fields["params"],
		ID:              id,
	}
	var v string
	if err := json.Unmarshal(version, &v); err == nil && v != "" {
		req.ProtocolVersion = v
	}
	return req, nil
}

// Objects returns the params as an ordered list of param objects. Absent or
// null params yield an empty list.
func (r *Request) Objects() ([]ParamObject, *Error) {
	raw := bytes.TrimSpace(r.Params)
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return nil, nil
	}
	var objs []ParamObject
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, ErrInvalidParams()
	}
	return objs, nil
}

// StringParam returns the value of the first param object holding key, or
// "" when none does. A non-string value is an invalid-params error.
func StringParam(objs []ParamObject, key string) (string, *Error) {
	for _, obj := range objs {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(raw), nullID) {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ErrInvalidParams()
		}
		return s, nil
	}
	return "", nil
}

// OutputParams builds the fixed three-slot output param list. Only text is
// ever populated.
func OutputParams(text string) json.RawMessage {
	b, _ := json.Marshal([]map[string]string{
		{KeyOutputText: text},
		{KeyOutputImage: ""},
		{KeyOutputAudio: ""},
	})
	return b
}

func Success(id, params json.RawMessage) *Response {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("[]")
	}
	return &Response{ProtocolVersion: Version, Method: MethodOutput, Params: params, ID: normalizeID(id)}
}

func Failure(id json.RawMessage, e *Error) *Response {
	return &Response{ProtocolVersion: Version, Error: e, ID: normalizeID(id)}
}

func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return nullID
	}
	return id
}
