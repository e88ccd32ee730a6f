// Package convai is a client for a streaming conversational-AI agent
// reachable over a signed WebSocket URL. Caller audio goes up as
// user_audio_chunk messages; agent audio, interruptions and pings come down
// as typed events.
package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when sending on a closed conversation.
var ErrClosed = errors.New("conversation closed")

type options struct {
	prompt       string
	firstMessage string
	variables    map[string]string
	dialer       *websocket.Dialer
	log          *logrus.Entry
	audioBuffer  int
}

// Option configures Dial.
type Option func(*options)

// WithPrompt overrides the agent's system prompt for this conversation.
func WithPrompt(prompt string) Option {
	return func(o *options) { o.prompt = prompt }
}

// WithFirstMessage overrides the agent's opening line.
func WithFirstMessage(msg string) Option {
	return func(o *options) { o.firstMessage = msg }
}

// WithDynamicVariables fills the agent's {{variables}}.
func WithDynamicVariables(vars map[string]string) Option {
	return func(o *options) { o.variables = vars }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// Conn is one conversation.
type Conn struct {
	ws  *websocket.Conn
	log *logrus.Entry

	audio         chan []byte
	interruptions chan struct{}
	ready         chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
	writeMu       sync.Mutex

	mu             sync.Mutex
	input, output  AudioFormat
	conversationID string
	err            error
}

// Dial opens the conversation, sends the initiation data and waits for the
// agent's metadata, which fixes the audio formats of both directions.
func Dial(ctx context.Context, signedURL string, opts ...Option) (*Conn, error) {
	o := options{
		dialer:      websocket.DefaultDialer,
		audioBuffer: 64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}

	ws, _, err := o.dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial conversation: %w", err)
	}

	c := &Conn{
		ws:            ws,
		log:           o.log,
		audio:         make(chan []byte, o.audioBuffer),
		interruptions: make(chan struct{}, 1),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		input:         DefaultFormat,
		output:        DefaultFormat,
	}

	initData := initiationClientData{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: o.variables,
	}
	if o.prompt != "" || o.firstMessage != "" {
		initData.ConversationConfigOverride = &configOverride{Agent: agentOverride{FirstMessage: o.firstMessage}}
		if o.prompt != "" {
			initData.ConversationConfigOverride.Agent.Prompt = &promptOverride{Prompt: o.prompt}
		}
	}
	if err := c.writeJSON(initData); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send initiation data: %w", err)
	}

	go c.readLoop()

	select {
	case <-c.ready:
		c.log.Infof("conversation %s started, input %s, output %s", c.ConversationID(), c.InputFormat(), c.OutputFormat())
		return c, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("conversation closed before metadata: %w", err)
		}
		return nil, fmt.Errorf("conversation closed before metadata")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// Audio delivers agent audio in OutputFormat. It is closed when the
// conversation ends.
func (c *Conn) Audio() <-chan []byte { return c.audio }

// Interruptions signals that the caller barged in and queued agent audio
// should be discarded.
func (c *Conn) Interruptions() <-chan struct{} { return c.interruptions }

// Done is closed when the conversation ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) InputFormat() AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

func (c *Conn) OutputFormat() AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

func (c *Conn) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Err returns why the conversation ended, or nil for a normal close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendAudio sends caller audio, which must be in InputFormat.
func (c *Conn) SendAudio(audio []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.writeJSON(userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(audio)})
}

// Close ends the conversation. It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *Conn) readLoop() {
	var cause error
	defer func() {
		c.shutdown(cause)
		close(c.audio)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					cause = err
				}
			}
			return
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Debug("discarding undecodable agent message")
			continue
		}
		if !c.handle(&ev) {
			return
		}
	}
}

// handle processes one agent event. It returns false once the connection is
// shutting down.
func (c *Conn) handle(ev *event) bool {
	switch ev.Type {
	case "conversation_initiation_metadata":
		if m := ev.InitiationMetadataEvent; m != nil {
			c.mu.Lock()
			c.conversationID = m.ConversationID
			if f, err := ParseAudioFormat(m.UserInputAudioFormat); err == nil {
				c.input = f
			}
			if f, err := ParseAudioFormat(m.AgentOutputAudioFormat); err == nil {
				c.output = f
			}
			c.mu.Unlock()
		}
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
	case "audio":
		if ev.AudioEvent == nil || ev.AudioEvent.AudioBase64 == "" {
			return true
		}
		audio, err := base64.StdEncoding.DecodeString(ev.AudioEvent.AudioBase64)
		if err != nil {
			c.log.WithError(err).Debug("discarding undecodable agent audio")
			return true
		}
		select {
		case c.audio <- audio:
		case <-c.done:
			return false
		}
	case "interruption":
		c.log.Debug("agent interrupted by caller")
		c.drainAudio()
		select {
		case c.interruptions <- struct{}{}:
		default:
		}
	case "ping":
		if ev.PingEvent == nil {
			return true
		}
		if err := c.writeJSON(pong{Type: "pong", EventID: ev.PingEvent.EventID}); err != nil {
			c.log.WithError(err).Warn("failed to answer ping")
		}
	case "agent_response":
		if ev.AgentResponseEvent != nil {
			c.log.Infof("agent: %s", ev.AgentResponseEvent.AgentResponse)
		}
	case "user_transcript":
		if ev.UserTranscriptionEvent != nil {
			c.log.Infof("caller: %s", ev.UserTranscriptionEvent.UserTranscript)
		}
	default:
		c.log.Debugf("ignoring agent event %q", ev.Type)
	}
	return true
}

// drainAudio drops agent audio that was queued before an interruption.
func (c *Conn) drainAudio() {
	for {
		select {
		case <-c.audio:
		default:
			return
		}
	}
}
