package sipua

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pbxbridge/call"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l)
}

// fakePBX is the far end of the signaling connection. Tests script it one
// message at a time.
type fakePBX struct {
	t      *testing.T
	ln     net.Listener
	conn   net.Conn
	r      *bufio.Reader
	sipLog gosiplog.Logger
}

func newFakePBX(t *testing.T) *fakePBX {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakePBX{t: t, ln: ln, sipLog: gosiplog.NewLogrusLogger(testLogger(), "PBX", nil)}
	t.Cleanup(func() {
		ln.Close()
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return p
}

func (p *fakePBX) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *fakePBX) config() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              p.port(),
		Username:          "200",
		Password:          "secret",
		Domain:            "pbx.example",
		KeepAliveInterval: time.Hour,
		InviteTimeout:     5 * time.Second,
		Logger:            testLogger(),
	}
}

func (p *fakePBX) accept() {
	p.t.Helper()
	require.NoError(p.t, p.ln.(*net.TCPListener).SetDeadline(time.Now().Add(5*time.Second)))
	conn, err := p.ln.Accept()
	require.NoError(p.t, err)
	p.conn = conn
	p.r = bufio.NewReader(conn)
}

func (p *fakePBX) read() sip.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := readMessage(p.r)
	require.NoError(p.t, err)
	msg, err := parser.ParseMessage(data, p.sipLog)
	require.NoError(p.t, err)
	return msg
}

func (p *fakePBX) readRequest(method sip.RequestMethod) sip.Request {
	p.t.Helper()
	req, ok := p.read().(sip.Request)
	require.True(p.t, ok, "expected a request")
	require.Equal(p.t, method, req.Method())
	return req
}

func (p *fakePBX) readResponse() sip.Response {
	p.t.Helper()
	res, ok := p.read().(sip.Response)
	require.True(p.t, ok, "expected a response")
	return res
}

func (p *fakePBX) write(raw string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(raw))
	require.NoError(p.t, err)
}

// respond answers req with the given status line. toTag, when set, is added
// to the To header.
func (p *fakePBX) respond(req sip.Request, status, toTag string, headers []string, body string) {
	p.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "SIP/2.0 %s\r\n", status)
	for _, h := range req.GetHeaders("Via") {
		b.WriteString(h.String() + "\r\n")
	}
	from, _ := req.From()
	b.WriteString(from.String() + "\r\n")
	to, _ := req.To()
	b.WriteString(to.String())
	if toTag != "" {
		b.WriteString(";tag=" + toTag)
	}
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Call-ID: %s\r\n", callIDOf(req))
	cseq, _ := req.CSeq()
	fmt.Fprintf(&b, "CSeq: %d %s\r\n", cseq.SeqNo, cseq.MethodName)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(body), body)
	p.write(b.String())
}

func header(msg sip.Message, name string) string {
	hdrs := msg.GetHeaders(name)
	if len(hdrs) == 0 {
		return ""
	}
	return hdrs[0].Value()
}

func cseqOf(t *testing.T, msg sip.Message) (uint32, sip.RequestMethod) {
	t.Helper()
	c, ok := msg.CSeq()
	require.True(t, ok)
	return c.SeqNo, c.MethodName
}

func viaBranch(t *testing.T, msg sip.Message) string {
	t.Helper()
	via := header(msg, "Via")
	_, branch, ok := strings.Cut(via, "branch=")
	require.True(t, ok, via)
	branch, _, _ = strings.Cut(branch, ";")
	return branch
}

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 203.0.113.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 20000 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=sendrecv\r\n"

// registered returns an engine connected to p and registered without a
// challenge.
func registered(t *testing.T, p *fakePBX) *Engine {
	t.Helper()
	e := New(p.config())
	t.Cleanup(func() { e.Close() })

	ctx := connect(t, e, p)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Register(ctx) }()

	req := p.readRequest(sip.REGISTER)
	p.respond(req, "200 OK", "reg", []string{"Expires: 3600"}, "")
	require.NoError(t, <-errCh)
	return e
}

func connect(t *testing.T, e *Engine, p *fakePBX) context.Context {
	t.Helper()
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- e.Connect(ctx) }()
	p.accept()
	require.NoError(t, <-done)
	return ctx
}

type inviteResult struct {
	answer Answer
	err    error
}

func startInvite(e *Engine, sess *call.Session, local string) <-chan inviteResult {
	out := make(chan inviteResult, 1)
	go func() {
		a, err := e.Invite(context.Background(), sess, netip.MustParseAddrPort(local))
		out <- inviteResult{a, err}
	}()
	return out
}
