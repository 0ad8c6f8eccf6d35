// Package jsonrpc defines the wire shapes of JSON-RPC 2.0 messages as seen
// on an LSP stream, in the same spirit as lspproxy's BaseRPC: an envelope
// that keeps unknown fields as raw JSON so the router never needs a full
// schema of every LSP method to forward a message unchanged.
package jsonrpc

import "encoding/json"

// Version is the only JSON-RPC version this proxy understands.
const Version = "2.0"

// Message is a generic JSON-RPC 2.0 envelope. Precisely one of these
// shapes is populated at a time:
//
//   - Request:      ID != nil, Method != ""
//   - Notification: ID == nil, Method != ""
//   - Response:     ID != nil, Method == "", and exactly one of Result/Error
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC / LSP error codes used by the router itself.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
)

// IsRequest reports whether msg is a request (has an id and a method).
func (m *Message) IsRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

// IsNotification reports whether msg is a notification (no id, has a method).
func (m *Message) IsNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// IsResponse reports whether msg is a response (has an id, no method).
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

// NewRequest builds a request envelope with the given raw id and params.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params}
}

// NewResultResponse builds a successful response envelope.
func NewResultResponse(id json.RawMessage, result json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds a failed response envelope.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// IntID encodes an integer as a raw JSON id, used when the proxy mints ids
// of its own (outbound to a backend, or client-facing for server-initiated
// requests).
func IntID(n int64) json.RawMessage {
	b, _ := json.Marshal(n)
	return json.RawMessage(b)
}

// StringID encodes s as a raw JSON string id, used to mint client-facing
// ids for server-initiated requests in a namespace that can never collide
// with the editor's own (usually integer) id space.
func StringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}

// IDKey returns a comparable, string-typed key for a raw JSON id so it can
// be used as a map key regardless of whether the original id was a JSON
// string or a JSON number. The raw bytes are preserved verbatim on the
// wire; IDKey is only ever used as an internal lookup key.
func IDKey(id json.RawMessage) string {
	return string(id)
}
