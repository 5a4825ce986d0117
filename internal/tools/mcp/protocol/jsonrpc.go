// Package protocol defines the JSON-RPC 2.0 message layer shared by the MCP
// transports. Requests carry int64 ids assigned by the transport; notifications
// carry none and never receive a reply.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version stamped on every message.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an outbound JSON-RPC call expecting a Response with the same id.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request for the given method.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// Notification is a one-way message; the server must not reply to it.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification for the given method.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// Response is the server's reply to a Request. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a failed Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// probe peeks at the two fields that distinguish message kinds without
// committing to a full decode.
type probe struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

// IsResponse reports whether raw is a response: it carries an id but no
// method.
func IsResponse(raw []byte) bool {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Method == "" && len(p.ID) > 0
}

// IsNotification reports whether raw is a server-initiated notification: a
// method with no id.
func IsNotification(raw []byte) bool {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Method != "" && len(p.ID) == 0
}
