package sipua

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbxbridge/call"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func expectedDigest(user, realm, pass, method, uri, nonce string) string {
	ha1 := md5hex(user + ":" + realm + ":" + pass)
	ha2 := md5hex(method + ":" + uri)
	return md5hex(ha1 + ":" + nonce + ":" + ha2)
}

func TestEnsureRegisteredAnswersChallenge(t *testing.T) {
	p := newFakePBX(t)
	e := New(p.config())
	defer e.Close()

	sess := call.NewSession("call-1", "1001", call.Credentials{Username: "200", Password: "secret"})
	errCh := make(chan error, 1)
	go func() { errCh <- e.EnsureRegistered(context.Background(), sess) }()
	p.accept()

	first := p.readRequest(sip.REGISTER)
	assert.Empty(t, header(first, "Authorization"))
	assert.Equal(t, "3600", header(first, "Expires"))
	p.respond(first, "401 Unauthorized", "", []string{`WWW-Authenticate: Digest realm="pbx.example", nonce="abc123"`}, "")

	second := p.readRequest(sip.REGISTER)
	firstSeq, _ := cseqOf(t, first)
	secondSeq, _ := cseqOf(t, second)
	assert.Equal(t, firstSeq+1, secondSeq)
	assert.Equal(t, callIDOf(first), callIDOf(second))
	assert.NotEqual(t, viaBranch(t, first), viaBranch(t, second))

	cred, err := digest.ParseCredentials(header(second, "Authorization"))
	require.NoError(t, err)
	assert.Equal(t, "200", cred.Username)
	assert.Equal(t, "pbx.example", cred.Realm)
	assert.Equal(t, "abc123", cred.Nonce)
	assert.Equal(t, "sip:pbx.example", cred.URI)
	assert.Equal(t, expectedDigest("200", "pbx.example", "secret", "REGISTER", "sip:pbx.example", "abc123"), cred.Response)

	p.respond(second, "200 OK", "reg", []string{"Expires: 3600"}, "")

	require.NoError(t, <-errCh)
	assert.Equal(t, call.StateRegistered, sess.State())
	assert.True(t, e.Registered())
}

func TestRegisterFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  func(p *fakePBX)
		wantErr error
		code    int
	}{
		{
			name: "challenge without header",
			script: func(p *fakePBX) {
				req := p.readRequest(sip.REGISTER)
				p.respond(req, "401 Unauthorized", "", nil, "")
			},
			wantErr: ErrAuthChallengeParse,
		},
		{
			name: "challenged twice",
			script: func(p *fakePBX) {
				chal := []string{`WWW-Authenticate: Digest realm="pbx.example", nonce="abc123"`}
				p.respond(p.readRequest(sip.REGISTER), "401 Unauthorized", "", chal, "")
				p.respond(p.readRequest(sip.REGISTER), "401 Unauthorized", "", chal, "")
			},
			wantErr: ErrRegistrationFailed,
			code:    401,
		},
		{
			name: "forbidden",
			script: func(p *fakePBX) {
				p.respond(p.readRequest(sip.REGISTER), "403 Forbidden", "", nil, "")
			},
			wantErr: ErrRegistrationFailed,
			code:    403,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePBX(t)
			e := New(p.config())
			defer e.Close()

			sess := call.NewSession("call-1", "1001", call.Credentials{})
			errCh := make(chan error, 1)
			go func() { errCh <- e.EnsureRegistered(context.Background(), sess) }()
			p.accept()
			tt.script(p)

			err := <-errCh
			require.ErrorIs(t, err, tt.wantErr)
			if tt.code != 0 {
				var rerr *ResponseError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, tt.code, rerr.StatusCode)
				assert.Equal(t, "REGISTER", rerr.Method)
			}
			assert.Equal(t, call.StateFailed, sess.State())
			assert.ErrorIs(t, sess.Err(), tt.wantErr)
			assert.False(t, e.Registered())
		})
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e := New(Config{Host: "127.0.0.1", Port: port, Username: "200", Logger: testLogger()})
	sess := call.NewSession("call-1", "1001", call.Credentials{})

	err = e.EnsureRegistered(context.Background(), sess)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, call.StateFailed, sess.State())
	assert.False(t, e.Connected())
}

// established drives a call on a registered engine to Established.
func established(t *testing.T, p *fakePBX, e *Engine, id string) (*call.Session, sip.Request) {
	t.Helper()
	sess := call.NewSession(id, "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))
	res := startInvite(e, sess, "192.0.2.10:10000")

	invite := p.readRequest(sip.INVITE)
	contact := fmt.Sprintf("Contact: <sip:1001@127.0.0.1:%d;transport=tcp>", p.port())
	p.respond(invite, "200 OK", "callee", []string{contact, "Content-Type: application/sdp"}, answerSDP)
	p.readRequest(sip.ACK)

	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, call.StateEstablished, sess.State())
	return sess, invite
}

func TestInviteEstablishesCall(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)

	sess := call.NewSession("call-1", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))
	res := startInvite(e, sess, "192.0.2.10:10000")

	invite := p.readRequest(sip.INVITE)
	assert.Equal(t, "sip:1001@pbx.example", invite.Recipient().String())
	assert.Equal(t, "call-1", callIDOf(invite))
	assert.Equal(t, "application/sdp", header(invite, "Content-Type"))
	body := invite.Body()
	assert.Contains(t, body, "c=IN IP4 192.0.2.10")
	assert.Contains(t, body, "m=audio 10000 RTP/AVP 0 8 101")
	assert.Contains(t, body, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, body, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, body, "a=fmtp:101 0-16")
	assert.Contains(t, body, "a=sendrecv")

	// A stray response for another call must not disturb the transaction.
	p.write("SIP/2.0 200 OK\r\nVia: SIP/2.0/TCP 127.0.0.1;branch=z9hG4bKstray\r\n" +
		"From: <sip:200@pbx.example>;tag=x\r\nTo: <sip:1@pbx.example>;tag=y\r\n" +
		"Call-ID: unknown-call\r\nCSeq: 1 INVITE\r\nContent-Length: 0\r\n\r\n")

	p.respond(invite, "100 Trying", "", nil, "")
	p.respond(invite, "180 Ringing", "callee", nil, "")
	contact := fmt.Sprintf("Contact: <sip:1001@127.0.0.1:%d;transport=tcp>", p.port())
	p.respond(invite, "200 OK", "callee", []string{contact, "Content-Type: application/sdp"}, answerSDP)

	ack := p.readRequest(sip.ACK)
	inviteSeq, _ := cseqOf(t, invite)
	ackSeq, ackMethod := cseqOf(t, ack)
	assert.Equal(t, inviteSeq, ackSeq)
	assert.Equal(t, sip.ACK, ackMethod)
	assert.Equal(t, "0", header(ack, "Content-Length"))
	assert.Contains(t, header(ack, "To"), "callee")
	assert.Contains(t, ack.Recipient().String(), "127.0.0.1")

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, "203.0.113.5:20000", r.answer.Media.String())
	assert.Equal(t, uint8(0), r.answer.PayloadType)
	assert.Equal(t, call.StateEstablished, sess.State())
	assert.Equal(t, "203.0.113.5:20000", sess.RemoteMedia().String())
	assert.Equal(t, "callee", sess.RemoteTag())
}

func TestInviteProxyChallengeThenBusy(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)

	sess := call.NewSession("call-2", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))
	res := startInvite(e, sess, "192.0.2.10:10000")

	first := p.readRequest(sip.INVITE)
	p.respond(first, "407 Proxy Authentication Required", "pbx",
		[]string{`Proxy-Authenticate: digest realm="pbx.example", nonce="n0nce"`}, "")

	ack := p.readRequest(sip.ACK)
	assert.Equal(t, viaBranch(t, first), viaBranch(t, ack))
	firstSeq, _ := cseqOf(t, first)
	ackSeq, _ := cseqOf(t, ack)
	assert.Equal(t, firstSeq, ackSeq)

	second := p.readRequest(sip.INVITE)
	secondSeq, _ := cseqOf(t, second)
	assert.Equal(t, firstSeq+1, secondSeq)
	cred, err := digest.ParseCredentials(header(second, "Proxy-Authorization"))
	require.NoError(t, err)
	assert.Equal(t, expectedDigest("200", "pbx.example", "secret", "INVITE", "sip:1001@pbx.example", "n0nce"), cred.Response)

	realm, nonce := sess.Challenge()
	assert.Equal(t, "pbx.example", realm)
	assert.Equal(t, "n0nce", nonce)

	p.respond(second, "486 Busy Here", "pbx", nil, "")
	p.readRequest(sip.ACK)

	r := <-res
	require.ErrorIs(t, r.err, ErrInviteFailed)
	var rerr *ResponseError
	require.ErrorAs(t, r.err, &rerr)
	assert.Equal(t, 486, rerr.StatusCode)
	assert.Equal(t, "Busy Here", rerr.Reason)
	assert.Equal(t, call.StateFailed, sess.State())
}

func TestInviteUnusableAnswerSendsBye(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)

	sess := call.NewSession("call-3", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))
	res := startInvite(e, sess, "192.0.2.10:10000")

	invite := p.readRequest(sip.INVITE)
	noConn := strings.Replace(answerSDP, "c=IN IP4 203.0.113.5\r\n", "", 1)
	p.respond(invite, "200 OK", "callee", []string{"Content-Type: application/sdp"}, noConn)
	p.readRequest(sip.ACK)
	p.readRequest(sip.BYE)

	r := <-res
	assert.ErrorIs(t, r.err, ErrMediaAddressParse)
	assert.Equal(t, call.StateFailed, sess.State())
}

func TestInviteTimeout(t *testing.T) {
	p := newFakePBX(t)
	cfg := p.config()
	cfg.InviteTimeout = 200 * time.Millisecond
	e := New(cfg)
	defer e.Close()

	ctx := connect(t, e, p)
	sess := call.NewSession("call-4", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Invite(ctx, sess, netip.MustParseAddrPort("192.0.2.10:10000"))
		errCh <- err
	}()
	p.readRequest(sip.INVITE)

	assert.ErrorIs(t, <-errCh, ErrTimeout)
	assert.Equal(t, call.StateFailed, sess.State())
}

func TestLateAnswerAfterCancelledInviteIsReleased(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)

	sess := call.NewSession("call-late", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Invite(ctx, sess, netip.MustParseAddrPort("192.0.2.10:10000"))
		errCh <- err
	}()

	invite := p.readRequest(sip.INVITE)
	p.respond(invite, "180 Ringing", "callee", nil, "")
	require.Eventually(t, func() bool { return sess.State() == call.StateRinging }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, call.StateFailed, sess.State())

	// The callee picks up after setup was given up on.
	contact := fmt.Sprintf("Contact: <sip:1001@127.0.0.1:%d;transport=tcp>", p.port())
	p.respond(invite, "200 OK", "callee", []string{contact, "Content-Type: application/sdp"}, answerSDP)

	ack := p.readRequest(sip.ACK)
	inviteSeq, _ := cseqOf(t, invite)
	ackSeq, _ := cseqOf(t, ack)
	assert.Equal(t, inviteSeq, ackSeq)
	assert.Contains(t, header(ack, "To"), "callee")
	assert.Contains(t, ack.Recipient().String(), "127.0.0.1")

	bye := p.readRequest(sip.BYE)
	byeSeq, _ := cseqOf(t, bye)
	assert.Equal(t, inviteSeq+1, byeSeq)
	assert.Equal(t, "call-late", callIDOf(bye))
	assert.Contains(t, header(bye, "To"), "callee")
	assert.Contains(t, bye.Recipient().String(), "127.0.0.1")
	assert.Equal(t, call.StateFailed, sess.State())

	// Retransmissions of the 200 after release are ignored.
	p.respond(invite, "200 OK", "callee", []string{contact, "Content-Type: application/sdp"}, answerSDP)
	p.respond(bye, "200 OK", "callee", nil, "")
	p.write("OPTIONS sip:200@127.0.0.1 SIP/2.0\r\nVia: SIP/2.0/TCP 127.0.0.1:5060;branch=z9hG4bKopts\r\n" +
		"From: <sip:pbx@pbx.example>;tag=o\r\nTo: <sip:200@pbx.example>\r\n" +
		"Call-ID: opts-1\r\nCSeq: 7 OPTIONS\r\nContent-Length: 0\r\n\r\n")
	res := p.readResponse()
	assert.Equal(t, 200, int(res.StatusCode()))
	assert.Equal(t, "opts-1", callIDOf(res))
}

func TestLateRejectionAfterInviteTimeoutIsAcked(t *testing.T) {
	p := newFakePBX(t)
	cfg := p.config()
	cfg.InviteTimeout = 100 * time.Millisecond
	e := New(cfg)
	defer e.Close()

	ctx := connect(t, e, p)
	sess := call.NewSession("call-slow", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Invite(ctx, sess, netip.MustParseAddrPort("192.0.2.10:10000"))
		errCh <- err
	}()
	invite := p.readRequest(sip.INVITE)
	require.ErrorIs(t, <-errCh, ErrTimeout)

	p.respond(invite, "486 Busy Here", "pbx", nil, "")
	ack := p.readRequest(sip.ACK)
	assert.Equal(t, viaBranch(t, invite), viaBranch(t, ack))
	inviteSeq, _ := cseqOf(t, invite)
	ackSeq, _ := cseqOf(t, ack)
	assert.Equal(t, inviteSeq, ackSeq)
}

func TestPeerByeEndsCall(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)

	var mu sync.Mutex
	var terminated []string
	e.OnTerminate(func(s *call.Session) {
		mu.Lock()
		terminated = append(terminated, s.ID)
		mu.Unlock()
	})

	sess, _ := established(t, p, e, "call-5")

	p.write("BYE sip:200@127.0.0.1;transport=tcp SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP 127.0.0.1:5060;branch=z9hG4bKpbxbye\r\n" +
		"From: <sip:1001@pbx.example>;tag=callee\r\n" +
		"To: <sip:200@pbx.example>;tag=" + sess.LocalTag() + "\r\n" +
		"Call-ID: call-5\r\n" +
		"CSeq: 7 BYE\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Length: 0\r\n\r\n")

	res := p.readResponse()
	assert.Equal(t, 200, int(res.StatusCode()))
	seq, method := cseqOf(t, res)
	assert.Equal(t, uint32(7), seq)
	assert.Equal(t, sip.BYE, method)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not ended")
	}
	assert.Equal(t, call.StateEnded, sess.State())
	mu.Lock()
	assert.Equal(t, []string{"call-5"}, terminated)
	mu.Unlock()
}

func TestInboundRequests(t *testing.T) {
	p := newFakePBX(t)
	registered(t, p)

	tests := []struct {
		method string
		callID string
		code   int
	}{
		{"BYE", "no-such-call", 481},
		{"OPTIONS", "probe", 200},
		{"INFO", "probe", 501},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			p.write(tt.method + " sip:200@127.0.0.1 SIP/2.0\r\n" +
				"Via: SIP/2.0/TCP 127.0.0.1:5060;branch=z9hG4bKin" + tt.method + "\r\n" +
				"From: <sip:pbx@pbx.example>;tag=a\r\n" +
				"To: <sip:200@pbx.example>\r\n" +
				"Call-ID: " + tt.callID + "\r\n" +
				"CSeq: 1 " + tt.method + "\r\n" +
				"Content-Length: 0\r\n\r\n")
			res := p.readResponse()
			assert.Equal(t, tt.code, int(res.StatusCode()))
			assert.Equal(t, tt.callID, callIDOf(res))
		})
	}
}

func TestTerminateSendsBye(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)
	sess, invite := established(t, p, e, "call-6")

	require.NoError(t, e.Terminate(sess, nil))

	bye := p.readRequest(sip.BYE)
	inviteSeq, _ := cseqOf(t, invite)
	byeSeq, _ := cseqOf(t, bye)
	assert.Greater(t, byeSeq, inviteSeq)
	assert.Contains(t, header(bye, "To"), "callee")
	assert.Contains(t, header(bye, "From"), sess.LocalTag())
	assert.Equal(t, call.StateEnded, sess.State())

	assert.NoError(t, e.Terminate(sess, nil))
}

func TestTerminateBeforeAnswerFails(t *testing.T) {
	e := New(Config{Host: "127.0.0.1", Logger: testLogger()})
	sess := call.NewSession("call-7", "1001", call.Credentials{})
	require.NoError(t, sess.Transition(call.StateRegistered))

	cause := errors.New("hangup")
	require.NoError(t, e.Terminate(sess, cause))
	assert.Equal(t, call.StateFailed, sess.State())
	assert.Equal(t, cause, sess.Err())
}

func TestConnectionDropFailsCalls(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)
	sess, _ := established(t, p, e, "call-8")

	p.conn.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not failed after connection drop")
	}
	assert.Equal(t, call.StateFailed, sess.State())
	assert.ErrorIs(t, sess.Err(), ErrConnection)
	assert.Eventually(t, func() bool { return !e.Connected() && !e.Registered() }, 2*time.Second, 10*time.Millisecond)
}

func TestUnregister(t *testing.T) {
	p := newFakePBX(t)
	e := registered(t, p)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Unregister(context.Background()) }()

	req := p.readRequest(sip.REGISTER)
	assert.Equal(t, "0", header(req, "Expires"))
	p.respond(req, "200 OK", "reg", nil, "")

	require.NoError(t, <-errCh)
	assert.False(t, e.Registered())
}
