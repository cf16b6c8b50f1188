package signal

import (
	"encoding/json"
	"time"
)

// Outbound event types.
const (
	EventIncomingCall     = "incoming-call"
	EventCallFailed       = "call:failed"
	EventCallBusy         = "call:busy"
	EventCallAccepted     = "call:accepted"
	EventCallRejected     = "call:rejected"
	EventCallConnected    = "call:connected"
	EventCallEnded        = "call:ended"
	EventListenerStatus   = "listener_status"
	EventListenerBusy     = "listener_busy_status"
	EventInitialListeners = "listeners:initial_status"
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
	EventError            = "error"
)

// Reasons carried by call:failed, call:busy and call:ended.
const (
	ReasonListenerOffline     = "listener_offline"
	ReasonListenerBusy        = "listener_busy"
	ReasonListenerNotApproved = "listener_not_approved"
	ReasonBalanceExhausted    = "balance_exhausted"
	ReasonCallerCancelled     = "caller_cancelled"
	ReasonCallerDisconnected  = "caller_disconnected"
	ReasonPeerDisconnected    = "peer_disconnected"
	ReasonCancelled           = "cancelled"
	ReasonEnded               = "ended"
	ReasonRejected            = "rejected"
	ReasonTimeout             = "timeout"
	ReasonInvalidCall         = "invalid_call"
)

// Codes carried by call:ended.
const (
	CodeMaxDurationReached = "MAX_DURATION_REACHED"
	CodeZeroBalance        = "ZERO_BALANCE"
	CodeVerificationFailed = "VERIFICATION_FAILED"
)

// Event is a server-to-client message. The set is closed.
type Event interface {
	EventType() string
	event()
}

type IncomingCall struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName,omitempty"`
	CallType   string `json:"callType,omitempty"`
}

type CallFailed struct {
	CallID  string `json:"callId"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type CallBusy struct {
	CallID     string `json:"callId"`
	ListenerID string `json:"listenerId"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
}

type CallAccepted struct {
	CallID     string `json:"callId"`
	ListenerID string `json:"listenerId"`
}

type CallRejected struct {
	CallID     string `json:"callId"`
	ListenerID string `json:"listenerId"`
}

// CallConnected starts the client-side countdown. RatePerMinute is the
// per-minute price in minor units with four decimals.
type CallConnected struct {
	CallID            string `json:"callId"`
	ChannelName       string `json:"channelName"`
	MaxAllowedSeconds int    `json:"maxAllowedSeconds"`
	RatePerMinute     string `json:"ratePerMinute"`
}

type CallEnded struct {
	CallID      string `json:"callId"`
	ChannelName string `json:"channelName,omitempty"`
	EndedBy     string `json:"endedBy,omitempty"`
	Reason      string `json:"reason"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type ListenerStatus struct {
	ListenerUserID string    `json:"listenerUserId"`
	Online         bool      `json:"isOnline"`
	Timestamp      time.Time `json:"timestamp"`
}

type ListenerBusyStatus struct {
	ListenerUserID string `json:"listenerUserId"`
	Busy           bool   `json:"isBusy"`
}

type InitialListeners struct {
	OnlineListenerIDs []string `json:"onlineListenerIds"`
	BusyListenerIDs   []string `json:"busyListenerIds"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

type Error struct {
	Message string `json:"message"`
}

func (IncomingCall) EventType() string       { return EventIncomingCall }
func (CallFailed) EventType() string         { return EventCallFailed }
func (CallBusy) EventType() string           { return EventCallBusy }
func (CallAccepted) EventType() string       { return EventCallAccepted }
func (CallRejected) EventType() string       { return EventCallRejected }
func (CallConnected) EventType() string      { return EventCallConnected }
func (CallEnded) EventType() string          { return EventCallEnded }
func (ListenerStatus) EventType() string     { return EventListenerStatus }
func (ListenerBusyStatus) EventType() string { return EventListenerBusy }
func (InitialListeners) EventType() string   { return EventInitialListeners }
func (UserOnline) EventType() string         { return EventUserOnline }
func (UserOffline) EventType() string        { return EventUserOffline }
func (Error) EventType() string              { return EventError }

func (IncomingCall) event()       {}
func (CallFailed) event()         {}
func (CallBusy) event()           {}
func (CallAccepted) event()       {}
func (CallRejected) event()       {}
func (CallConnected) event()      {}
func (CallEnded) event()          {}
func (ListenerStatus) event()     {}
func (ListenerBusyStatus) event() {}
func (InitialListeners) event()   {}
func (UserOnline) event()         {}
func (UserOffline) event()        {}
func (Error) event()              {}

// Encode wraps ev in the wire envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}
