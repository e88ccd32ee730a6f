package sipua

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"
	"github.com/google/uuid"

	"pbxbridge/call"
)

// registration is the REGISTER dialog. Its Call-ID and tag survive refreshes
// and are replaced after the connection drops.
type registration struct {
	callID     string
	tag        string
	cseq       uint32
	registered bool
	refresh    *time.Timer
}

func (r *registration) reset() {
	if r.refresh != nil {
		r.refresh.Stop()
	}
	*r = registration{}
}

// Registered reports whether the last REGISTER succeeded and has not been
// invalidated by a connection drop.
func (e *Engine) Registered() bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	return e.reg.registered
}

// Register binds the configured user to this connection. A challenge is
// answered once; the binding is refreshed at half the granted lifetime.
func (e *Engine) Register(ctx context.Context) error {
	return e.register(ctx, e.cfg.Expires)
}

// Unregister removes the binding with Expires: 0.
func (e *Engine) Unregister(ctx context.Context) error {
	if !e.Registered() {
		return nil
	}
	return e.register(ctx, 0)
}

func (e *Engine) register(ctx context.Context, expires uint32) error {
	e.regMu.Lock()
	defer e.regMu.Unlock()

	if e.reg.callID == "" {
		e.reg.callID = uuid.NewString()
		e.reg.tag = util.RandString(8)
	}
	if e.reg.refresh != nil {
		e.reg.refresh.Stop()
		e.reg.refresh = nil
	}

	registrar := "sip:" + e.cfg.Domain
	var auth []sip.Header
	for attempt := 0; ; attempt++ {
		e.reg.cseq++
		req, err := e.buildRequest(request{
			method:  sip.REGISTER,
			target:  registrar,
			to:      e.aor(),
			callID:  e.reg.callID,
			cseq:    e.reg.cseq,
			fromTag: e.reg.tag,
			branch:  sip.GenerateBranch(),
			contact: true,
			expires: &expires,
			headers: auth,
		})
		if err != nil {
			return err
		}

		res, err := e.roundTrip(ctx, req, e.cfg.TransactionTimeout, nil, nil)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		switch code := int(res.StatusCode()); {
		case res.IsSuccess():
			if expires == 0 {
				e.reg.registered = false
				e.log.Infof("unregistered %s", e.aor())
				return nil
			}
			granted := grantedExpiry(res, expires)
			e.reg.registered = true
			e.reg.refresh = time.AfterFunc(time.Duration(granted)*time.Second/2, e.refreshRegistration)
			e.log.Infof("registered %s for %ds", e.aor(), granted)
			return nil
		case (code == 401 || code == 407) && attempt == 0:
			chal, err := ParseChallenge(res)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			h, err := chal.Authorize(string(sip.REGISTER), registrar, e.cfg.Username, e.cfg.Password)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			e.log.Debugf("answering %d challenge for realm %q", code, chal.Realm)
			auth = []sip.Header{h}
		default:
			e.reg.registered = false
			return &ResponseError{Method: string(sip.REGISTER), StatusCode: code, Reason: res.Reason()}
		}
	}
}

// grantedExpiry reads the lifetime the registrar granted, falling back to
// the requested one.
func grantedExpiry(res sip.Response, requested uint32) uint32 {
	for _, h := range res.GetHeaders("Expires") {
		if v, err := strconv.ParseUint(h.Value(), 10, 32); err == nil && v > 0 {
			return uint32(v)
		}
	}
	return requested
}

func (e *Engine) refreshRegistration() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TransactionTimeout)
	defer cancel()
	if err := e.Register(ctx); err != nil {
		e.log.WithError(err).Warn("registration refresh failed")
	}
}

// EnsureRegistered connects and registers unless already registered,
// driving sess through Connecting and Registering. On error the session is
// failed with it.
func (e *Engine) EnsureRegistered(ctx context.Context, sess *call.Session) error {
	if e.Registered() {
		return sess.Transition(call.StateRegistered)
	}

	if !e.Connected() {
		if err := sess.Transition(call.StateConnecting); err != nil {
			return err
		}
		if err := e.Connect(ctx); err != nil {
			sess.Fail(err)
			return err
		}
	}

	if err := sess.Transition(call.StateRegistering); err != nil {
		return err
	}
	if err := e.Register(ctx); err != nil {
		sess.Fail(err)
		return err
	}
	return sess.Transition(call.StateRegistered)
}
