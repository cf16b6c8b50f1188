package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadPayload  = errors.New("invalid message payload")
)

// Inbound message types.
const (
	TypeUserJoin        = "user:join"
	TypeListenerJoin    = "listener:join"
	TypeListenerOffline = "listener:offline"
	TypeCallInitiate    = "call:initiate"
	TypeCallAccept      = "call:accept"
	TypeCallReject      = "call:reject"
	TypeCallJoined      = "call:joined"
	TypeCallEnd         = "call:end"
	TypeCallLeft        = "call:left"
	TypeCallCancel      = "call:cancel"
)

// Message is a decoded client message. The set is closed: only types in
// this file implement it.
type Message interface {
	messageType() string
}

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UserJoin and ListenerJoin register the connection. The identity comes from
// the authenticated token; a payload id, when present, must match it.
type UserJoin struct {
	UserID string `json:"userId,omitempty"`
}

type ListenerJoin struct {
	ListenerUserID string `json:"listenerUserId,omitempty"`
}

type ListenerOffline struct {
	ListenerUserID string `json:"listenerUserId,omitempty"`
}

type CallInitiate struct {
	CallID     string `json:"callId"`
	ListenerID string `json:"listenerId"`
	CallType   string `json:"callType,omitempty"`
	CallerName string `json:"callerName,omitempty"`
}

type CallAccept struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId,omitempty"`
}

type CallReject struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId,omitempty"`
}

type CallJoined struct {
	CallID      string `json:"callId"`
	ChannelName string `json:"channelName"`
}

type CallEnd struct {
	CallID          string `json:"callId"`
	OtherUserID     string `json:"otherUserId,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// CallCancel withdraws a call before the listener accepted it.
type CallCancel struct {
	CallID string `json:"callId"`
}

type CallLeft struct {
	CallID      string `json:"callId,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}

func (UserJoin) messageType() string        { return TypeUserJoin }
func (ListenerJoin) messageType() string    { return TypeListenerJoin }
func (ListenerOffline) messageType() string { return TypeListenerOffline }
func (CallInitiate) messageType() string    { return TypeCallInitiate }
func (CallAccept) messageType() string      { return TypeCallAccept }
func (CallReject) messageType() string      { return TypeCallReject }
func (CallJoined) messageType() string      { return TypeCallJoined }
func (CallEnd) messageType() string         { return TypeCallEnd }
func (CallLeft) messageType() string        { return TypeCallLeft }
func (CallCancel) messageType() string      { return TypeCallCancel }

// TypeOf returns the wire type of m.
func TypeOf(m Message) string { return m.messageType() }

// Decode parses one frame and validates required fields.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var (
		m   Message
		err error
	)
	switch env.Type {
	case TypeUserJoin:
		m, err = decodeInto[UserJoin](env.Data)
	case TypeListenerJoin:
		m, err = decodeInto[ListenerJoin](env.Data)
	case TypeListenerOffline:
		m, err = decodeInto[ListenerOffline](env.Data)
	case TypeCallInitiate:
		var v CallInitiate
		if v, err = decodeInto[CallInitiate](env.Data); err == nil {
			err = require(v.CallID, "callId", v.ListenerID, "listenerId")
		}
		m = v
	case TypeCallAccept:
		var v CallAccept
		if v, err = decodeInto[CallAccept](env.Data); err == nil {
			err = require(v.CallID, "callId")
		}
		m = v
	case TypeCallReject:
		var v CallReject
		if v, err = decodeInto[CallReject](env.Data); err == nil {
			err = require(v.CallID, "callId")
		}
		m = v
	case TypeCallJoined:
		var v CallJoined
		if v, err = decodeInto[CallJoined](env.Data); err == nil {
			err = require(v.CallID, "callId", v.ChannelName, "channelName")
		}
		m = v
	case TypeCallEnd:
		var v CallEnd
		if v, err = decodeInto[CallEnd](env.Data); err == nil {
			err = require(v.CallID, "callId")
			if err == nil && v.DurationSeconds < 0 {
				err = fmt.Errorf("%w: durationSeconds must not be negative", ErrBadPayload)
			}
		}
		m = v
	case TypeCallCancel:
		var v CallCancel
		if v, err = decodeInto[CallCancel](env.Data); err == nil {
			err = require(v.CallID, "callId")
		}
		m = v
	case TypeCallLeft:
		var v CallLeft
		if v, err = decodeInto[CallLeft](env.Data); err == nil && v.CallID == "" && v.ChannelName == "" {
			err = fmt.Errorf("%w: callId or channelName required", ErrBadPayload)
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeInto[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return v, nil
}

// require takes value, name pairs.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i]) == "" {
			return fmt.Errorf("%w: %s is required", ErrBadPayload, pairs[i+1])
		}
	}
	return nil
}
