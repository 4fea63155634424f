package rpc

import (
	"encoding/json"
	"strconv"
)

// InputParams builds the three-slot request param list sent by the client.
func InputParams(text, image string) json.RawMessage {
	b, _ := json.Marshal([]map[string]string{
		{KeyInputText: text},
		{KeyInputImage: image},
		{KeyInputAudio: ""},
	})
	return b
}

func NewRequest(id int64, method string, params json.RawMessage) *Request {
	return &Request{
		ProtocolVersion: Version,
		Method:          method,
		Params:          params,
		ID:              json.RawMessage(strconv.FormatInt(id, 10)),
	}
}

func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a server frame without envelope validation; the
// client is lenient about what it prints.
func DecodeResponse(frame []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OutputText returns the first output_text param, if any.
func (r *Response) OutputText() (string, bool) {
	var objs []ParamObject
	if len(r.Params) == 0 || json.Unmarshal(r.Params, &objs) != nil {
		return "", false
	}
	for _, obj := range objs {
		raw, ok := obj[KeyOutputText]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}

// IntID returns the numeric id of the response. Null or non-numeric ids
// report false.
func (r *Response) IntID() (int64, bool) {
	var n *int64
	if len(r.ID) == 0 || json.Unmarshal(r.ID, &n) != nil || n == nil {
		return 0, false
	}
	return *n, true
}
