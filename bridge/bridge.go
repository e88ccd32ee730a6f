// Package bridge places outbound calls and relays audio between the PBX
// media leg and a conversational agent channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"pbxbridge/call"
	"pbxbridge/convai"
	"pbxbridge/g711"
	"pbxbridge/media"
	"pbxbridge/sipua"
)

const (
	frameInterval    = 20 * time.Millisecond
	uplinkQueue      = 64
	defaultPlayout   = 250
	defaultEventSize = 64
	defaultConnect   = 10 * time.Second
	defaultSetup     = 2 * time.Minute
)

var (
	ErrClosed      = errors.New("orchestrator closed")
	ErrUnknownCall = errors.New("unknown call")
)

// Signaler drives the SIP side of a call.
type Signaler interface {
	EnsureRegistered(ctx context.Context, sess *call.Session) error
	Invite(ctx context.Context, sess *call.Session, localMedia netip.AddrPort) (sipua.Answer, error)
	Terminate(sess *call.Session, cause error) error
}

// MediaTransport carries RTP to and from the PBX.
type MediaTransport interface {
	LocalAddr() netip.AddrPort
	Route(peer netip.AddrPort, h media.Handler) (remove func())
	Send(s *media.Stream, payload []byte) error
}

// Channel is the agent side of a bridged call.
type Channel interface {
	SendAudio(audio []byte) error
	Audio() <-chan []byte
	Interruptions() <-chan struct{}
	InputFormat() convai.AudioFormat
	OutputFormat() convai.AudioFormat
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionHandle identifies the agent session a call is bridged to.
type SessionHandle struct {
	URL          string
	Prompt       string
	FirstMessage string
	Variables    map[string]string
}

// ChannelDialer opens the agent channel for an answered call.
type ChannelDialer func(ctx context.Context, h SessionHandle) (Channel, error)

// DialConvai returns a ChannelDialer backed by convai.Dial.
func DialConvai(log *logrus.Entry) ChannelDialer {
	return func(ctx context.Context, h SessionHandle) (Channel, error) {
		opts := []convai.Option{convai.WithDynamicVariables(h.Variables)}
		if h.Prompt != "" {
			opts = append(opts, convai.WithPrompt(h.Prompt))
		}
		if h.FirstMessage != "" {
			opts = append(opts, convai.WithFirstMessage(h.FirstMessage))
		}
		if log != nil {
			opts = append(opts, convai.WithLogger(log))
		}
		conn, err := convai.Dial(ctx, h.URL, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Config struct {
	// LocalMedia is the RTP address offered to the PBX. The transport's
	// bound address is used when unset.
	LocalMedia  netip.AddrPort
	Credentials call.Credentials
	// JitterDepth is the reorder window for PBX audio; 0 relays directly.
	JitterDepth int
	// Pace sends agent audio as 20 ms frames in real time.
	Pace bool
	// PlayoutFrames bounds the paced queue.
	PlayoutFrames int
	// ConnectTimeout bounds opening the agent channel.
	ConnectTimeout time.Duration
	// SetupTimeout bounds registration, INVITE and channel setup together.
	SetupTimeout   time.Duration
	EventBuffer    int
	Logger         *logrus.Entry
}

type activeCall struct {
	sess   *call.Session
	cancel context.CancelFunc
}

// Orchestrator owns the active calls of one process.
type Orchestrator struct {
	cfg   Config
	log   *logrus.Entry
	sig   Signaler
	media MediaTransport
	dial  ChannelDialer

	events chan Event

	mu     sync.Mutex
	calls  map[string]*activeCall
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, sig Signaler, tr MediaTransport, dial ChannelDialer) *Orchestrator {
	if cfg.PlayoutFrames <= 0 {
		cfg.PlayoutFrames = defaultPlayout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnect
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetup
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventSize
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		cfg:    cfg,
		log:    log,
		sig:    sig,
		media:  tr,
		dial:   dial,
		events: make(chan Event, cfg.EventBuffer),
		calls:  make(map[string]*activeCall),
	}
}

// Events delivers lifecycle events. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// PlaceCall starts an outbound call to destination and returns its Call-ID
// without waiting for it to connect. ctx is only checked on entry and its
// values are kept; cancelling it later does not affect the call, so a
// request-scoped context is safe to pass. Setup is bounded by
// Config.SetupTimeout and the call runs until either side hangs up or
// Hangup or Close is called.
func (o *Orchestrator) PlaceCall(ctx context.Context, destination string, h SessionHandle) (string, error) {
	if destination == "" {
		return "", errors.New("empty destination")
	}
	if h.URL == "" {
		return "", errors.New("empty session handle")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	sess := call.NewSession(id, destination, o.cfg.Credentials)
	sess.LocalMedia = o.localMedia()

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	o.calls[id] = &activeCall{sess: sess, cancel: cancel}
	o.wg.Add(1)
	o.mu.Unlock()

	o.log.Infof("placing call %s to %s", id, destination)
	go func() {
		defer o.wg.Done()
		defer o.forget(id)
		defer cancel()
		o.run(callCtx, sess, h)
	}()
	return id, nil
}

// Hangup ends the call with the given Call-ID.
func (o *Orchestrator) Hangup(callID string) error {
	o.mu.Lock()
	c, ok := o.calls[callID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	o.log.Infof("hangup requested for call %s", callID)
	c.cancel()
	return nil
}

// Session returns the session of an active call.
func (o *Orchestrator) Session(callID string) (*call.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.calls[callID]
	if !ok {
		return nil, false
	}
	return c.sess, true
}

// Close hangs up every active call, waits for the bridges to stop and
// closes the event channel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, c := range o.calls {
		c.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	close(o.events)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.calls, id)
	o.mu.Unlock()
}

func (o *Orchestrator) localMedia() netip.AddrPort {
	if o.cfg.LocalMedia.IsValid() {
		return o.cfg.LocalMedia
	}
	return o.media.LocalAddr()
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case o.events <- ev:
	default:
		o.log.Warnf("event queue full, dropping %s for call %s", ev.Type, ev.CallID)
	}
}

func (o *Orchestrator) fail(sess *call.Session, err error) {
	sess.Fail(err)
	o.log.WithError(err).Errorf("call %s failed", sess.ID)
	o.emit(failedEvent(sess.ID, err))
}

func (o *Orchestrator) run(ctx context.Context, sess *call.Session, h SessionHandle) {
	log := o.log.WithField("call", sess.ID)

	setupCtx, cancelSetup := context.WithTimeout(ctx, o.cfg.SetupTimeout)
	defer cancelSetup()

	if err := o.sig.EnsureRegistered(setupCtx, sess); err != nil {
		o.fail(sess, err)
		return
	}
	o.emit(Event{Type: EventRegistered, CallID: sess.ID})

	answer, err := o.sig.Invite(setupCtx, sess, sess.LocalMedia)
	if err != nil {
		o.fail(sess, err)
		return
	}
	log.Infof("answered, peer media %s payload type %d", answer.Media, answer.PayloadType)
	o.emit(Event{Type: EventAnswered, CallID: sess.ID, Peer: answer.Media})

	dialCtx, cancelDial := context.WithTimeout(setupCtx, o.cfg.ConnectTimeout)
	ch, err := o.dial(dialCtx, h)
	cancelDial()
	cancelSetup()
	if err != nil {
		err = fmt.Errorf("open agent channel: %w", err)
		if terr := o.sig.Terminate(sess, err); terr != nil {
			log.WithError(terr).Warn("terminate after channel failure")
		}
		o.fail(sess, err)
		return
	}

	reason, started, err := o.bridge(ctx, log, sess, answer, ch)
	if err == nil && sess.State() == call.StateFailed {
		err = sess.Err()
	}
	if err != nil {
		if started {
			o.emit(Event{Type: EventBridgeEnded, CallID: sess.ID, Reason: err.Error(), Err: err})
		}
		o.fail(sess, err)
		return
	}
	log.Infof("bridge ended: %s", reason)
	o.emit(Event{Type: EventBridgeEnded, CallID: sess.ID, Reason: reason})
}

// bridge relays audio until the call or the channel ends and returns the
// reason the call ended. started reports whether audio relay began.
func (o *Orchestrator) bridge(ctx context.Context, log *logrus.Entry, sess *call.Session, answer sipua.Answer, ch Channel) (reason string, started bool, err error) {
	defer ch.Close()

	codec, ok := g711.ByPayloadType(answer.PayloadType)
	if !ok {
		err := fmt.Errorf("unsupported payload type %d", answer.PayloadType)
		_ = o.sig.Terminate(sess, err)
		return "", false, err
	}
	up, err := newUplink(codec, ch.InputFormat())
	if err != nil {
		_ = o.sig.Terminate(sess, err)
		return "", false, err
	}
	down, err := newDownlink(codec, ch.OutputFormat())
	if err != nil {
		_ = o.sig.Terminate(sess, err)
		return "", false, err
	}
	reason, err = o.relay(ctx, log, sess, answer, ch, up, down)
	return reason, true, err
}

func (o *Orchestrator) relay(ctx context.Context, log *logrus.Entry, sess *call.Session, answer sipua.Answer, ch Channel, up *uplink, down *downlink) (string, error) {
	stream := media.NewStream(answer.PayloadType, answer.Media)

	packets := make(chan *rtp.Packet, uplinkQueue)
	remove := o.media.Route(answer.Media, func(pkt *rtp.Packet, _ netip.AddrPort) {
		if sess.State() != call.StateEstablished {
			return
		}
		select {
		case packets <- pkt:
		default:
			log.Debug("uplink queue full, dropping packet")
		}
	})
	defer remove()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pumpUplink(log, sess, answer.PayloadType, up, ch, packets, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	log.Infof("bridge started, agent formats in=%s out=%s", ch.InputFormat(), ch.OutputFormat())
	o.emit(Event{Type: EventBridgeStarted, CallID: sess.ID, Peer: answer.Media})

	queue := &playout{max: o.cfg.PlayoutFrames * media.MaxPayloadSize}
	var tick <-chan time.Time
	if o.cfg.Pace {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	send := func(payload []byte) {
		if len(payload) == 0 || sess.State() != call.StateEstablished {
			return
		}
		if err := o.media.Send(stream, payload); err != nil {
			log.WithError(err).Debug("rtp send failed")
		}
	}

	audio := ch.Audio()
	for {
		select {
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return "", err
			}
			return "peer hangup", nil

		case <-ch.Done():
			return o.hangup(sess, ch.Err(), "agent ended conversation")

		case <-ctx.Done():
			return o.hangup(sess, nil, "hangup")

		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			payload := down.convert(chunk)
			if !o.cfg.Pace {
				send(payload)
				continue
			}
			if n := queue.push(payload); n > 0 {
				log.Debugf("playout queue full, dropped %d bytes", n)
			}

		case <-ch.Interruptions():
			if n := queue.flush(); n > 0 {
				log.Debugf("interrupted, flushed %d bytes of agent audio", n)
			}

		case <-tick:
			send(queue.next(media.MaxPayloadSize))
		}
	}
}

// hangup terminates the call from our side. A failed channel fails the call.
func (o *Orchestrator) hangup(sess *call.Session, cause error, reason string) (string, error) {
	if err := o.sig.Terminate(sess, cause); err != nil {
		return "", err
	}
	if cause != nil {
		return "", cause
	}
	return reason, nil
}

func (o *Orchestrator) pumpUplink(log *logrus.Entry, sess *call.Session, pt uint8, up *uplink, ch Channel, packets <-chan *rtp.Packet, stop <-chan struct{}) {
	var jb *media.JitterBuffer
	if o.cfg.JitterDepth > 0 {
		jb = media.NewJitterBuffer(o.cfg.JitterDepth)
	}

	forward := func(pkt *rtp.Packet) {
		if pkt.PayloadType != pt || len(pkt.Payload) == 0 || sess.State() != call.StateEstablished {
			return
		}
		if err := ch.SendAudio(up.convert(pkt.Payload)); err != nil {
			log.WithError(err).Debug("send audio to agent failed")
		}
	}

	for {
		select {
		case <-stop:
			return
		case pkt := <-packets:
			if pkt.PayloadType == sipua.PayloadTypeTelephoneEvent {
				log.Debug("telephone-event packet ignored")
				continue
			}
			if jb == nil {
				forward(pkt)
				continue
			}
			for _, p := range jb.Push(pkt) {
				forward(p)
			}
		}
	}
}
