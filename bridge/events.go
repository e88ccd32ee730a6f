package bridge

import (
	"errors"
	"net/netip"
	"time"

	"pbxbridge/sipua"
)

// EventType names a call lifecycle event.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventAnswered      EventType = "answered"
	EventBridgeStarted EventType = "bridge_started"
	EventBridgeEnded   EventType = "bridge_ended"
	EventFailed        EventType = "failed"
)

// Event reports progress of one call. Peer is set on answered. Code is the
// PBX status code for failures caused by a SIP response, otherwise 0.
type Event struct {
	Type   EventType
	CallID string
	Peer   netip.AddrPort
	Code   int
	Reason string
	Err    error
	Time   time.Time
}

func failedEvent(callID string, err error) Event {
	ev := Event{Type: EventFailed, CallID: callID, Err: err, Time: time.Now()}
	if err != nil {
		ev.Reason = err.Error()
	}
	var rerr *sipua.ResponseError
	if errors.As(err, &rerr) {
		ev.Code = rerr.StatusCode
		ev.Reason = rerr.Reason
	}
	return ev
}
