// Package protocol defines the frames exchanged over a socket connection.
//
// Every websocket message carries one Frame. A client that wants a reply sets
// Ack to a non-zero number; the server answers with a frame whose Event is
// "ack" and whose Ack echoes that number. Everything else is a named event
// with positional arguments.
package protocol

import (
	"fmt"

	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/models"
)

type Frame struct {
	Event string `json:"event,omitempty"`
	Args  []any  `json:"args,omitempty"`
	Ack   uint64 `json:"ack,omitempty"`
}

// Arg returns the i-th argument or nil.
func (f Frame) Arg(i int) any {
	if i < 0 || i >= len(f.Args) {
		return nil
	}
	return f.Args[i]
}

// StringArg returns the i-th argument, which must be a string.
func (f Frame) StringArg(i int) (string, error) {
	s, ok := f.Arg(i).(string)
	if !ok {
		return "", fmt.Errorf("%w: %s argument %d must be a string, got %T", constants.ErrMalformedInput, f.Event, i, f.Arg(i))
	}
	return s, nil
}

// MapArg returns the i-th argument as a map. A missing or null argument is an empty map.
func (f Frame) MapArg(i int) (map[string]any, error) {
	switch v := f.Arg(i).(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s argument %d must be an object, got %T", constants.ErrMalformedInput, f.Event, i, v)
	}
}

// Result is the payload of every receive-<queryId> push.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

func OK(data any) Result {
	return Result{Success: true, Data: data}
}

func Failed(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// UpdateResponse acknowledges update-model.
type UpdateResponse struct {
	Success bool                 `json:"success"`
	Result  *models.UpdateResult `json:"result,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// ReceiveEvent names the push channel of a query.
func ReceiveEvent(queryID string) string {
	return constants.ReceivePrefix + queryID
}

// AuthError is the payload of authenticationError.
type AuthError struct {
	Reason string `json:"reason"`
}

// LifecycleError is the payload of lifecycleError. Event is empty when the
// connection itself was refused on open.
type LifecycleError struct {
	State string `json:"state"`
	Event string `json:"event,omitempty"`
}

// Credentials is what authenticate and setup-server carry.
type Credentials struct {
	Username string
	Password string
}

// ParseCredentials reads {username, password} from a decoded argument.
func ParseCredentials(arg any) (Credentials, map[string]any, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return Credentials{}, nil, fmt.Errorf("%w: credentials must be an object, got %T", constants.ErrMalformedInput, arg)
	}
	username, _ := m[constants.UsernameField].(string)
	password, _ := m[constants.PasswordField].(string)
	if username == "" || password == "" {
		return Credentials{}, nil, fmt.Errorf("%w: username and password are required", constants.ErrMalformedInput)
	}
	return Credentials{Username: username, Password: password}, m, nil
}
