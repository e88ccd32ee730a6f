package sipua

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
)

const maxBodySize = 64 << 10

// readMessage reads one SIP message from a stream transport. Bare CRLFs
// between messages are keep-alives and are skipped. The body length comes
// from Content-Length (or its compact form).
func readMessage(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	length := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if head.Len() == 0 && strings.TrimSpace(trimmed) == "" {
			continue
		}
		head.WriteString(line)
		if trimmed == "" {
			break
		}

		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length", "l":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxBodySize {
				return nil, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = n
		}
	}

	msg := make([]byte, head.Len()+length)
	copy(msg, head.Bytes())
	if _, err := io.ReadFull(r, msg[head.Len():]); err != nil {
		return nil, err
	}
	return msg, nil
}

type txKey struct {
	callID string
	cseq   uint32
	method sip.RequestMethod
}

func keyOf(msg sip.Message) (txKey, bool) {
	cid, ok := msg.CallID()
	if !ok {
		return txKey{}, false
	}
	cseq, ok := msg.CSeq()
	if !ok {
		return txKey{}, false
	}
	return txKey{callID: string(*cid), cseq: cseq.SeqNo, method: cseq.MethodName}, true
}

func callIDOf(msg sip.Message) string {
	if cid, ok := msg.CallID(); ok {
		return string(*cid)
	}
	return ""
}

func toTag(msg sip.Message) string {
	to, ok := msg.To()
	if !ok || to.Params == nil {
		return ""
	}
	if tag, ok := to.Params.Get("tag"); ok && tag != nil {
		return tag.String()
	}
	return ""
}

// request describes an outgoing request in terms of the dialog it belongs to.
type request struct {
	method  sip.RequestMethod
	target  string
	to      string
	callID  string
	cseq    uint32
	fromTag string
	toTag   string
	branch  string
	contact bool
	expires *uint32
	body    string
	headers []sip.Header
}

func (e *Engine) buildRequest(r request) (sip.Request, error) {
	recipient, err := parser.ParseUri(r.target)
	if err != nil {
		return nil, fmt.Errorf("parse request uri %q: %w", r.target, err)
	}
	toURI, err := parser.ParseUri(r.to)
	if err != nil {
		return nil, fmt.Errorf("parse to uri %q: %w", r.to, err)
	}
	fromURI, err := parser.ParseUri(e.aor())
	if err != nil {
		return nil, fmt.Errorf("parse from uri: %w", err)
	}

	from := &sip.Address{Uri: fromURI, Params: sip.NewParams().Add("tag", sip.String{Str: r.fromTag})}
	to := &sip.Address{Uri: toURI, Params: sip.NewParams()}
	if r.toTag != "" {
		to.Params = to.Params.Add("tag", sip.String{Str: r.toTag})
	}

	host, port := e.localHostPort()
	viaPort := sip.Port(port)
	via := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            host,
		Port:            &viaPort,
		Params:          sip.NewParams().Add("branch", sip.String{Str: r.branch}),
	}

	callID := sip.CallID(r.callID)
	ua := sip.UserAgentHeader(e.cfg.UserAgent)
	rb := sip.NewRequestBuilder().
		SetMethod(r.method).
		SetRecipient(recipient).
		SetFrom(from).
		SetTo(to).
		SetCallID(&callID).
		SetSeqNo(uint(r.cseq)).
		SetUserAgent(&ua).
		AddVia(via)

	if r.contact {
		contactURI, err := parser.ParseUri(fmt.Sprintf("sip:%s@%s:%d;transport=tcp", e.cfg.Username, host, port))
		if err != nil {
			return nil, fmt.Errorf("parse contact uri: %w", err)
		}
		rb.SetContact(&sip.Address{Uri: contactURI})
	}
	if r.expires != nil {
		rb.AddHeader(&sip.GenericHeader{HeaderName: "Expires", Contents: strconv.FormatUint(uint64(*r.expires), 10)})
	}
	if r.body != "" {
		ct := sip.ContentType("application/sdp")
		rb.SetContentType(&ct)
		rb.SetBody(r.body)
	}
	for _, h := range r.headers {
		rb.AddHeader(h)
	}

	req, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", r.method, err)
	}
	req.SetBody(r.body, true)
	return req, nil
}
