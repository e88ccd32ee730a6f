package sipua

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the signaling connection could not be established
	// or was lost.
	ErrConnection = errors.New("sip connection error")
	// ErrRegistrationFailed is matched by a final non-2xx REGISTER response.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrInviteFailed is matched by a final non-2xx INVITE response.
	ErrInviteFailed = errors.New("invite failed")
	// ErrAuthChallengeParse means a 401/407 carried no usable challenge.
	ErrAuthChallengeParse = errors.New("auth challenge parse error")
	// ErrMediaAddressParse means the SDP answer did not yield a peer media
	// address.
	ErrMediaAddressParse = errors.New("media address parse error")
	// ErrTimeout means no final response arrived in time.
	ErrTimeout = errors.New("sip transaction timeout")
)

// ResponseError carries a final non-success response. It unwraps to
// ErrRegistrationFailed or ErrInviteFailed depending on Method.
type ResponseError struct {
	Method     string
	StatusCode int
	Reason     string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s rejected: %d %s", e.Method, e.StatusCode, e.Reason)
}

func (e *ResponseError) Unwrap() error {
	if e.Method == "REGISTER" {
		return ErrRegistrationFailed
	}
	return ErrInviteFailed
}
