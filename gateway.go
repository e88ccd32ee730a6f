package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pbxbridge/bridge"
	"pbxbridge/call"
	"pbxbridge/convai"
	"pbxbridge/media"
	"pbxbridge/sipua"
)

const hangupGrace = 5 * time.Second

// Gateway owns the process-wide SIP engine, RTP transport and call
// orchestrator.
type Gateway struct {
	settings *Settings
	engine   *sipua.Engine
	rtp      *media.Transport
	calls    *bridge.Orchestrator
	http     *http.Client
}

// NewGateway binds the RTP socket and wires the components together.
func NewGateway(s *Settings) (*Gateway, error) {
	public := s.PublicAddress()
	if public == "" {
		if ip, err := detectHostIP(); err == nil {
			public = ip.String()
		} else {
			coreLog.Warnf("no public address configured and detection failed: %v", err)
		}
	}

	engine := sipua.New(sipua.Config{
		Host:               s.SIPHost(),
		Port:               s.SIPPort(),
		Username:           s.SIPUsername(),
		Password:           s.SIPPassword(),
		Domain:             s.SIPDomain(),
		LocalAddress:       public,
		UserAgent:          s.UserAgent(),
		Expires:            s.RegisterExpires(),
		KeepAliveInterval:  s.KeepAlive(),
		TransactionTimeout: s.TransactionTimeout(),
		InviteTimeout:      s.InviteTimeout(),
		Codecs:             s.Codecs(),
		Logger:             sipLog,
	})
	engine.OnTerminate(func(sess *call.Session) {
		coreLog.Infof("call %s to %s ended by peer", sess.ID, sess.Destination)
	})

	tr, err := media.Listen(net.JoinHostPort(s.RTPAddress(), strconv.Itoa(s.RTPPort())), mediaLog)
	if err != nil {
		return nil, err
	}

	localMedia, err := mediaAddress(public, tr.LocalAddr())
	if err != nil {
		tr.Close()
		return nil, err
	}

	calls := bridge.New(bridge.Config{
		LocalMedia: localMedia,
		Credentials: call.Credentials{
			Username: s.SIPUsername(),
			Password: s.SIPPassword(),
		},
		JitterDepth:    s.JitterDepth(),
		Pace:           s.Pace(),
		PlayoutFrames:  s.PlayoutFrames(),
		ConnectTimeout: s.ConnectTimeout(),
		Logger:         coreLog,
	}, engine, tr, bridge.DialConvai(convaiLog))

	return &Gateway{
		settings: s,
		engine:   engine,
		rtp:      tr,
		calls:    calls,
		http:     &http.Client{Timeout: s.ConnectTimeout()},
	}, nil
}

// SessionHandle returns the agent session for a call. Without a signed URL
// one is requested from the API using the configured agent.
func (g *Gateway) SessionHandle(ctx context.Context, signedURL, leadName string) (bridge.SessionHandle, error) {
	h := bridge.SessionHandle{
		URL:          signedURL,
		Prompt:       g.settings.Prompt(),
		FirstMessage: g.settings.FirstMessage(),
	}
	if leadName != "" {
		h.Variables = map[string]string{"lead_name": leadName}
	}
	if h.URL != "" {
		return h, nil
	}
	if !g.settings.CanFetchSignedURL() {
		return h, errors.New("no signed URL given and convai agent_id/api_key not configured")
	}

	url, err := convai.FetchSignedURL(ctx, g.http, g.settings.APIBaseURL(), g.settings.APIKey(), g.settings.AgentID())
	if err != nil {
		return h, err
	}
	h.URL = url
	return h, nil
}

// Call places one call and blocks until it ends. Cancelling ctx hangs up.
// The RTP transport is served until Close.
func (g *Gateway) Call(ctx context.Context, destination string, h bridge.SessionHandle) error {
	go func() {
		if err := g.rtp.Serve(context.Background()); err != nil {
			mediaLog.WithError(err).Error("rtp transport stopped")
		}
	}()

	id, err := g.calls.PlaceCall(ctx, destination, h)
	if err != nil {
		return err
	}

	var grace <-chan time.Time
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-g.calls.Events():
			if !ok {
				return nil
			}
			logEvent(ev)
			if ev.CallID != id {
				continue
			}
			switch ev.Type {
			case bridge.EventBridgeEnded:
				return nil
			case bridge.EventFailed:
				if ev.Code != 0 {
					return fmt.Errorf("call failed: %d %s", ev.Code, ev.Reason)
				}
				return fmt.Errorf("call failed: %w", ev.Err)
			}
		case <-done:
			coreLog.Info("interrupted, hanging up")
			if err := g.calls.Hangup(id); err != nil {
				return nil
			}
			done = nil
			grace = time.After(hangupGrace)
		case <-grace:
			return errors.New("call did not end after hangup")
		}
	}
}

// Probe checks connectivity and credentials by registering and
// unregistering once.
func (g *Gateway) Probe(ctx context.Context) error {
	if err := g.engine.Connect(ctx); err != nil {
		return err
	}
	if err := g.engine.Register(ctx); err != nil {
		return err
	}
	coreLog.Infof("registered as %s@%s", g.settings.SIPUsername(), g.settings.SIPHost())
	return g.engine.Unregister(ctx)
}

// Close hangs up active calls and releases the SIP connection and RTP socket.
func (g *Gateway) Close() {
	g.calls.Close()
	if g.engine.Registered() {
		ctx, cancel := context.WithTimeout(context.Background(), hangupGrace)
		if err := g.engine.Unregister(ctx); err != nil {
			coreLog.Warnf("unregister failed: %v", err)
		}
		cancel()
	}
	if err := g.engine.Close(); err != nil {
		coreLog.Warnf("closing SIP connection: %v", err)
	}
	if err := g.rtp.Close(); err != nil {
		coreLog.Warnf("closing RTP transport: %v", err)
	}
}

func logEvent(ev bridge.Event) {
	log := coreLog.WithField("call", ev.CallID)
	switch ev.Type {
	case bridge.EventAnswered, bridge.EventBridgeStarted:
		log.Infof("%s, peer media %s", ev.Type, ev.Peer)
	case bridge.EventBridgeEnded:
		log.Infof("%s: %s", ev.Type, ev.Reason)
	case bridge.EventFailed:
		log.Errorf("%s: code=%d %s", ev.Type, ev.Code, ev.Reason)
	default:
		log.Info(ev.Type)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
