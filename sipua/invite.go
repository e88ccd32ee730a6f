package sipua

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/util"

	"pbxbridge/call"
)

func (e *Engine) destinationURI(sess *call.Session) string {
	return fmt.Sprintf("sip:%s@%s", sess.Destination, e.cfg.Domain)
}

// Invite places the call described by sess, offering localMedia as the RTP
// endpoint. The session must be Registered. A 401/407 is answered once with
// digest credentials. On 2xx the answer is ACKed and parsed, and the session
// becomes Established. Any failure is recorded on the session.
func (e *Engine) Invite(ctx context.Context, sess *call.Session, localMedia netip.AddrPort) (Answer, error) {
	if err := sess.Transition(call.StateInviting); err != nil {
		return Answer{}, err
	}
	e.track(sess)
	if sess.LocalTag() == "" {
		sess.SetLocalTag(util.RandString(8))
	}
	target := e.destinationURI(sess)

	offer, err := BuildOffer(e.advertised(localMedia), e.cfg.Codecs)
	if err != nil {
		sess.Fail(err)
		return Answer{}, err
	}

	var (
		res  sip.Response
		auth []sip.Header
	)
	for attempt := 0; ; attempt++ {
		cseq := sess.NextCSeq()
		branch := sip.GenerateBranch()
		req, err := e.buildRequest(request{
			method:  sip.INVITE,
			target:  target,
			to:      target,
			callID:  sess.ID,
			cseq:    cseq,
			fromTag: sess.LocalTag(),
			branch:  branch,
			contact: true,
			body:    string(offer),
			headers: auth,
		})
		if err != nil {
			sess.Fail(err)
			return Answer{}, err
		}

		abandon := &abandonedInvite{sess: sess, target: target, branch: branch}
		res, err = e.roundTrip(ctx, req, e.cfg.InviteTimeout, func(res sip.Response) {
			switch res.StatusCode() {
			case 180, 183:
				if tag := toTag(res); tag != "" {
					sess.SetRemoteTag(tag)
				}
				if err := sess.Transition(call.StateRinging); err != nil {
					e.log.WithError(err).Debug("ignoring provisional response")
				}
			}
		}, abandon)
		if err != nil {
			err = fmt.Errorf("invite: %w", err)
			sess.Fail(err)
			return Answer{}, err
		}
		if res.IsSuccess() {
			break
		}

		e.ackFailure(sess, target, cseq, branch, res)

		code := int(res.StatusCode())
		if (code == 401 || code == 407) && attempt == 0 {
			chal, err := ParseChallenge(res)
			if err != nil {
				err = fmt.Errorf("invite: %w", err)
				sess.Fail(err)
				return Answer{}, err
			}
			sess.SetChallenge(chal.Realm, chal.Nonce)
			h, err := chal.Authorize(string(sip.INVITE), target, e.cfg.Username, e.cfg.Password)
			if err != nil {
				sess.Fail(err)
				return Answer{}, err
			}
			auth = []sip.Header{h}
			continue
		}

		err = &ResponseError{Method: string(sip.INVITE), StatusCode: code, Reason: res.Reason()}
		sess.Fail(err)
		return Answer{}, err
	}

	setDialog(sess, target, res)
	if err := e.ackSuccess(sess); err != nil {
		sess.Fail(err)
		return Answer{}, err
	}

	if sess.State().Terminal() {
		if err := e.sendBye(sess); err != nil {
			e.log.WithError(err).Warnf("BYE for abandoned call %s failed", sess.ID)
		}
		return Answer{}, fmt.Errorf("call %s ended before it was answered: %w", sess.ID, sess.Err())
	}

	answer, err := ParseAnswer([]byte(res.Body()))
	if err != nil {
		if byeErr := e.sendBye(sess); byeErr != nil {
			e.log.WithError(byeErr).Warnf("BYE after unusable answer on %s failed", sess.ID)
		}
		sess.Fail(err)
		return Answer{}, err
	}
	sess.SetAnswer(answer.Media, answer.PayloadType)
	if err := sess.Transition(call.StateEstablished); err != nil {
		return Answer{}, err
	}
	e.log.Infof("call %s to %s answered, peer media %s PT %d", sess.ID, sess.Destination, answer.Media, answer.PayloadType)
	return answer, nil
}

// setDialog records the remote tag and target from a 2xx.
func setDialog(sess *call.Session, target string, res sip.Response) {
	if tag := toTag(res); tag != "" {
		sess.SetRemoteTag(tag)
	}
	remoteTarget := target
	if contact, ok := res.Contact(); ok && contact.Address != nil {
		remoteTarget = contact.Address.String()
	}
	sess.SetRemoteTarget(remoteTarget)
}

// abandonedInvite is an INVITE transaction given up on before its final
// response, kept so a late response can still be acknowledged.
type abandonedInvite struct {
	sess   *call.Session
	target string
	branch string
}

// abandonLocked keeps inv until the transaction timeout expires. e.mu must
// be held.
func (e *Engine) abandonLocked(key txKey, inv abandonedInvite) {
	e.abandoned[key] = inv
	time.AfterFunc(e.cfg.TransactionTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if cur, ok := e.abandoned[key]; ok && cur.sess == inv.sess {
			delete(e.abandoned, key)
		}
	})
}

// releaseAbandoned completes an abandoned INVITE. A late 2xx is ACKed and
// the call released with BYE; any other final response is ACKed.
func (e *Engine) releaseAbandoned(key txKey, inv abandonedInvite, res sip.Response) {
	sess := inv.sess
	if !res.IsSuccess() {
		e.ackFailure(sess, inv.target, key.cseq, inv.branch, res)
		return
	}

	e.log.Infof("call %s answered after setup was abandoned, releasing it", sess.ID)
	setDialog(sess, inv.target, res)
	if err := e.ackSuccess(sess); err != nil {
		e.log.WithError(err).Warnf("ACK for late answer on %s failed", sess.ID)
	}
	if err := e.sendBye(sess); err != nil {
		e.log.WithError(err).Warnf("BYE for late answer on %s failed", sess.ID)
	}
}

// ackFailure acknowledges a non-2xx final response inside the INVITE
// transaction: same branch, same CSeq number, To tag from the response.
func (e *Engine) ackFailure(sess *call.Session, target string, cseq uint32, branch string, res sip.Response) {
	req, err := e.buildRequest(request{
		method:  sip.ACK,
		target:  target,
		to:      target,
		callID:  sess.ID,
		cseq:    cseq,
		fromTag: sess.LocalTag(),
		toTag:   toTag(res),
		branch:  branch,
	})
	if err == nil {
		err = e.send(req)
	}
	if err != nil {
		e.log.WithError(err).Warnf("ACK for %d on %s failed", res.StatusCode(), sess.ID)
	}
}

// ackSuccess confirms a 2xx. It is a new transaction sent to the remote
// target with the INVITE's CSeq number.
func (e *Engine) ackSuccess(sess *call.Session) error {
	req, err := e.buildRequest(request{
		method:  sip.ACK,
		target:  sess.RemoteTarget(),
		to:      e.destinationURI(sess),
		callID:  sess.ID,
		cseq:    sess.CSeq(),
		fromTag: sess.LocalTag(),
		toTag:   sess.RemoteTag(),
		branch:  sip.GenerateBranch(),
		contact: true,
	})
	if err != nil {
		return err
	}
	return e.send(req)
}

func (e *Engine) sendBye(sess *call.Session) error {
	target := sess.RemoteTarget()
	if target == "" {
		target = e.destinationURI(sess)
	}
	req, err := e.buildRequest(request{
		method:  sip.BYE,
		target:  target,
		to:      e.destinationURI(sess),
		callID:  sess.ID,
		cseq:    sess.NextCSeq(),
		fromTag: sess.LocalTag(),
		toTag:   sess.RemoteTag(),
		branch:  sip.GenerateBranch(),
	})
	if err != nil {
		return err
	}
	return e.send(req)
}

// Terminate ends the call. An established call gets a BYE whose response is
// not awaited; the session ends, or fails when cause is set. Calls not yet
// answered are only failed, since CANCEL is not supported.
func (e *Engine) Terminate(sess *call.Session, cause error) error {
	state := sess.State()
	if state.Terminal() {
		return nil
	}
	if state != call.StateEstablished {
		if cause == nil {
			cause = errors.New("call abandoned before answer")
		}
		sess.Fail(cause)
		return nil
	}

	if err := sess.Transition(call.StateTerminating); err != nil {
		return err
	}
	err := e.sendBye(sess)
	if err != nil {
		e.log.WithError(err).Warnf("BYE on %s failed", sess.ID)
	}
	if cause != nil {
		sess.Fail(cause)
	} else {
		// A BYE from the peer may have ended it already.
		_ = sess.Transition(call.StateEnded)
	}
	return err
}
