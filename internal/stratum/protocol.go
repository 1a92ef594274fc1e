// Package stratum implements the Stratum V1 mining protocol: message
// codec, per-connection sessions and the server that ties sessions to the
// job cache and the share validator.
package stratum

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// codec is the JSON implementation used on the wire.
var codec = sonic.ConfigDefault

// Stratum methods.
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodExtranonce    = "mining.extranonce.subscribe"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is a Stratum error. On the wire it is the conventional
// [code, message, data] triple.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON encodes the error as an array.
func (e *Error) MarshalJSON() ([]byte, error) {
	return codec.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts both the array and the object form.
func (e *Error) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := codec.Unmarshal(data, &arr); err == nil {
		if len(arr) < 2 {
			return fmt.Errorf("error array has %d elements", len(arr))
		}
		if err := codec.Unmarshal(arr[0], &e.Code); err != nil {
			return fmt.Errorf("error code: %w", err)
		}
		if err := codec.Unmarshal(arr[1], &e.Message); err != nil {
			return fmt.Errorf("error message: %w", err)
		}
		if len(arr) > 2 {
			_ = codec.Unmarshal(arr[2], &e.Data)
		}
		return nil
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	if err := codec.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Code, e.Message, e.Data = obj.Code, obj.Message, obj.Data
	return nil
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// Address and Worker split "address.worker". A bare address mines as
// worker "default".
func (r *AuthorizeRequest) Address() string {
	addr, _, _ := strings.Cut(r.Username, ".")
	return addr
}

func (r *AuthorizeRequest) Worker() string {
	_, worker, ok := strings.Cut(r.Username, ".")
	if !ok || worker == "" {
		return "default"
	}
	return worker
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage encodes msg. Responses always carry both result and error
// since many miners require the keys to be present.
func MarshalMessage(msg *Message) ([]byte, error) {
	var v any = msg
	if msg.Method == "" {
		v = struct {
			ID     any    `json:"id"`
			Result any    `json:"result"`
			Error  *Error `json:"error"`
		}{msg.ID, msg.Result, msg.Error}
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters. All of them
// are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}
	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}
	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password
// is optional.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := []string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}
