package call

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Credentials authenticate the UAC towards the PBX.
type Credentials struct {
	Username string
	Password string
}

// Session holds state for a single outbound call. Signaling fields are
// written by the SIP engine, media fields once the call is answered.
type Session struct {
	ID          string
	Destination string
	Credentials Credentials
	LocalMedia  netip.AddrPort
	CreatedAt   time.Time

	mu           sync.Mutex
	localTag     string
	remoteTag    string
	remoteTarget string
	cseq         uint32
	realm        string
	nonce        string
	state        State
	remoteMedia  netip.AddrPort
	payloadType  uint8
	answeredAt   time.Time
	endedAt      time.Time
	err          error
	done         chan struct{}
}

// NewSession creates an idle session.
func NewSession(id, destination string, creds Credentials) *Session {
	return &Session{
		ID:          id,
		Destination: destination,
		Credentials: creds,
		CreatedAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next. Moving to the current state is a
// no-op so callers can drive the machine idempotently.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next, nil)
}

// Fail moves the session to StateFailed and records err. It returns false if
// the session had already ended.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(StateFailed, err) == nil
}

func (s *Session) transitionLocked(next State, err error) error {
	if s.state == next && !next.Terminal() {
		return nil
	}
	if !CanTransition(s.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.state = next
	now := time.Now()
	switch next {
	case StateEstablished:
		s.answeredAt = now
	case StateEnded, StateFailed:
		s.endedAt = now
		s.err = err
		close(s.done)
	}
	return nil
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure cause once the session has failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NextCSeq returns the next sequence number of the dialog, starting at 1.
func (s *Session) NextCSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

// CSeq returns the last sequence number handed out.
func (s *Session) CSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cseq
}

// SetLocalTag sets the From tag used for every request of the call.
func (s *Session) SetLocalTag(tag string) {
	s.mu.Lock()
	s.localTag = tag
	s.mu.Unlock()
}

func (s *Session) LocalTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localTag
}

func (s *Session) SetRemoteTag(tag string) {
	s.mu.Lock()
	s.remoteTag = tag
	s.mu.Unlock()
}

func (s *Session) RemoteTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTag
}

// SetRemoteTarget stores the Contact URI of the answering peer, the request
// URI of in-dialog requests.
func (s *Session) SetRemoteTarget(uri string) {
	s.mu.Lock()
	s.remoteTarget = uri
	s.mu.Unlock()
}

func (s *Session) RemoteTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTarget
}

// SetChallenge records the realm and nonce of the most recent challenge.
func (s *Session) SetChallenge(realm, nonce string) {
	s.mu.Lock()
	s.realm, s.nonce = realm, nonce
	s.mu.Unlock()
}

func (s *Session) Challenge() (realm, nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realm, s.nonce
}

// SetAnswer records the peer media endpoint and the payload type it chose.
func (s *Session) SetAnswer(remote netip.AddrPort, pt uint8) {
	s.mu.Lock()
	s.remoteMedia = remote
	s.payloadType = pt
	s.mu.Unlock()
}

func (s *Session) RemoteMedia() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteMedia
}

func (s *Session) PayloadType() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadType
}

func (s *Session) AnsweredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredAt
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}
