// Package sipua is a minimal SIP user agent client. It keeps one persistent
// TCP connection to the PBX, registers with digest authentication, places
// outbound INVITEs and ends them with BYE. Transactions are correlated by
// (Call-ID, CSeq, method).
package sipua

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/sirupsen/logrus"

	"pbxbridge/call"
)

// Config configures the engine. Zero durations take the defaults below.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// Domain is the registrar domain; defaults to Host.
	Domain string
	// LocalAddress is advertised in Via, Contact and SDP. Defaults to the
	// local IP of the signaling connection.
	LocalAddress string
	UserAgent    string
	// Expires is the requested registration lifetime in seconds.
	Expires            uint32
	KeepAliveInterval  time.Duration
	TransactionTimeout time.Duration
	InviteTimeout      time.Duration
	DialTimeout        time.Duration
	// Codecs lists the G.711 payload types offered, in preference order.
	Codecs []uint8
	Logger *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.Domain == "" {
		c.Domain = c.Host
	}
	if c.UserAgent == "" {
		c.UserAgent = "pbxbridge"
	}
	if c.Expires == 0 {
		c.Expires = 3600
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = 32 * time.Second
	}
	if c.InviteTimeout == 0 {
		c.InviteTimeout = 60 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Engine is the signaling transaction engine.
type Engine struct {
	cfg    Config
	log    *logrus.Entry
	sipLog gosiplog.Logger

	mu          sync.Mutex
	conn        net.Conn
	local       netip.AddrPort
	pending     map[txKey]chan sip.Response
	abandoned   map[txKey]abandonedInvite
	sessions    map[string]*call.Session
	onTerminate func(*call.Session)

	writeMu   sync.Mutex
	connectMu sync.Mutex

	regMu sync.Mutex
	reg   registration
}

// New returns an engine that is not yet connected.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		sipLog:   gosiplog.NewLogrusLogger(cfg.Logger, "SIP", nil),
		pending:   make(map[txKey]chan sip.Response),
		abandoned: make(map[txKey]abandonedInvite),
		sessions:  make(map[string]*call.Session),
	}
}

// OnTerminate sets a callback invoked when the peer ends a call or the
// connection drops under it.
func (e *Engine) OnTerminate(fn func(*call.Session)) {
	e.mu.Lock()
	e.onTerminate = fn
	e.mu.Unlock()
}

// Connected reports whether the signaling connection is up.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Connect dials the PBX. It is a no-op while a connection is up.
func (e *Engine) Connect(ctx context.Context) error {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()
	if e.Connected() {
		return nil
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	e.mu.Lock()
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		e.local = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	e.conn = conn
	e.mu.Unlock()
	e.log.Infof("connected to PBX %s over TCP from %s", addr, conn.LocalAddr())

	stop := make(chan struct{})
	go e.readLoop(conn, stop)
	go e.keepAlive(conn, stop)
	return nil
}

// Close drops the connection and stops registration refreshes. Calls still
// in progress fail with ErrConnection.
func (e *Engine) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	e.regMu.Lock()
	e.reg.reset()
	e.regMu.Unlock()
	return err
}

func (e *Engine) aor() string {
	return fmt.Sprintf("sip:%s@%s", e.cfg.Username, e.cfg.Domain)
}

func (e *Engine) localHostPort() (string, int) {
	e.mu.Lock()
	local := e.local
	e.mu.Unlock()
	host := e.cfg.LocalAddress
	if host == "" {
		host = local.Addr().String()
	}
	return host, int(local.Port())
}

// advertised returns the media address to put in the SDP offer.
func (e *Engine) advertised(local netip.AddrPort) netip.AddrPort {
	if a, err := netip.ParseAddr(e.cfg.LocalAddress); err == nil {
		return netip.AddrPortFrom(a.Unmap(), local.Port())
	}
	if local.Addr().IsValid() && !local.Addr().IsUnspecified() {
		return local
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return netip.AddrPortFrom(e.local.Addr(), local.Port())
}

func (e *Engine) readLoop(conn net.Conn, stop chan struct{}) {
	defer close(stop)
	r := bufio.NewReader(conn)
	for {
		data, err := readMessage(r)
		if err != nil {
			e.dropConnection(conn, err)
			return
		}
		msg, err := parser.ParseMessage(data, e.sipLog)
		if err != nil {
			e.log.WithError(err).Warn("discarding unparsable SIP message")
			continue
		}
		e.log.Debugf("received SIP message:\n%s", msg)

		switch m := msg.(type) {
		case sip.Response:
			e.handleResponse(m)
		case sip.Request:
			e.handleRequest(conn, m)
		}
	}
}

func (e *Engine) keepAlive(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.write(conn, []byte("\r\n\r\n")); err != nil {
				e.log.WithError(err).Warn("keep-alive failed")
			}
		case <-stop:
			return
		}
	}
}

func (e *Engine) dropConnection(conn net.Conn, cause error) {
	conn.Close()

	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	for key, ch := range e.pending {
		close(ch)
		delete(e.pending, key)
	}
	clear(e.abandoned)
	var lost []*call.Session
	for _, sess := range e.sessions {
		lost = append(lost, sess)
	}
	notify := e.onTerminate
	e.mu.Unlock()

	e.regMu.Lock()
	e.reg.reset()
	e.regMu.Unlock()

	if errors.Is(cause, net.ErrClosed) {
		e.log.Info("SIP connection closed")
	} else {
		e.log.WithError(cause).Warn("SIP connection lost")
	}

	err := fmt.Errorf("%w: %v", ErrConnection, cause)
	for _, sess := range lost {
		if sess.Fail(err) && notify != nil {
			notify(sess)
		}
	}
}

func (e *Engine) write(conn net.Conn, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.TransactionTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

func (e *Engine) send(msg sip.Message) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	e.log.Debugf("sending SIP message:\n%s", msg)
	return e.write(conn, []byte(msg.String()))
}

// roundTrip sends req and waits for its final response. Provisional
// responses are passed to onProvisional. If the wait ends without a final
// response and abandon is set, the transaction is handed over to it so a
// late response is still answered.
func (e *Engine) roundTrip(ctx context.Context, req sip.Request, timeout time.Duration, onProvisional func(sip.Response), abandon *abandonedInvite) (sip.Response, error) {
	key, ok := keyOf(req)
	if !ok {
		return nil, fmt.Errorf("request without Call-ID or CSeq")
	}
	ch := make(chan sip.Response, 8)

	e.mu.Lock()
	e.pending[key] = ch
	e.mu.Unlock()
	answered := false
	defer func() {
		e.mu.Lock()
		if e.pending[key] == ch {
			delete(e.pending, key)
			if !answered && abandon != nil {
				e.abandonLocked(key, *abandon)
			}
		}
		e.mu.Unlock()
	}()

	if err := e.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%w: connection lost during %s", ErrConnection, key.method)
			}
			if res.IsProvisional() {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			answered = true
			return res, nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: no final response to %s after %s", ErrTimeout, key.method, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) handleResponse(res sip.Response) {
	key, ok := keyOf(res)
	if !ok {
		e.log.Warn("discarding response without Call-ID or CSeq")
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[key]
	if ok {
		select {
		case ch <- res:
		default:
			e.log.Warnf("dropping response %d for %s: transaction backlog full", res.StatusCode(), key.callID)
		}
		e.mu.Unlock()
		return
	}
	inv, late := e.abandoned[key]
	if late && !res.IsProvisional() {
		delete(e.abandoned, key)
	}
	e.mu.Unlock()

	if !late {
		e.log.Debugf("ignoring response %d for %s %d %s", res.StatusCode(), key.callID, key.cseq, key.method)
		return
	}
	if !res.IsProvisional() {
		e.releaseAbandoned(key, inv, res)
	}
}

func (e *Engine) handleRequest(conn net.Conn, req sip.Request) {
	callID := callIDOf(req)
	switch req.Method() {
	case sip.BYE:
		sess := e.session(callID)
		if sess == nil {
			e.respond(conn, req, 481, "Call/Transaction Does Not Exist")
			return
		}
		e.respond(conn, req, 200, "OK")
		e.log.Infof("call %s ended by peer", callID)
		if err := sess.Transition(call.StateEnded); err != nil {
			sess.Fail(fmt.Errorf("call ended by peer in state %s", sess.State()))
		}
		e.mu.Lock()
		notify := e.onTerminate
		e.mu.Unlock()
		if notify != nil {
			notify(sess)
		}
	case sip.OPTIONS:
		e.respond(conn, req, 200, "OK")
	case sip.ACK:
	default:
		e.respond(conn, req, 501, "Not Implemented")
	}
}

func (e *Engine) respond(conn net.Conn, req sip.Request, code int, reason string) {
	res := sip.NewResponseFromRequest("", req, sip.StatusCode(code), reason, "")
	e.log.Debugf("sending SIP message:\n%s", res)
	if err := e.write(conn, []byte(res.String())); err != nil {
		e.log.WithError(err).Warnf("failed to answer %s with %d", req.Method(), code)
	}
}

func (e *Engine) track(sess *call.Session) {
	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()

	go func() {
		<-sess.Done()
		e.mu.Lock()
		if e.sessions[sess.ID] == sess {
			delete(e.sessions, sess.ID)
		}
		e.mu.Unlock()
	}()
}

func (e *Engine) session(callID string) *call.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[callID]
}
