package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/protocol"
)

// State is the upstream connection lifecycle state. Closed and Failed are
// terminal; no reconnection is attempted within a session.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventHandler receives normalized upstream events. Calls arrive from the
// client's read goroutine, one at a time.
type EventHandler interface {
	// OnAgentAudio delivers one base64 audio chunk synthesized by the agent
	OnAgentAudio(payload string)

	// OnAgentTextDelta delivers one partial assistant text delta
	OnAgentTextDelta(delta string)

	// OnAgentTextDone signals the current assistant utterance is complete
	OnAgentTextDone()

	// OnCallerTranscript delivers one whole transcribed caller utterance
	OnCallerTranscript(text string)

	// OnSessionError reports a non-fatal in-band error event
	OnSessionError(code, message string)

	// OnClosed fires once when the transport closes, cleanly or not
	OnClosed(err error)
}

// Options configures one upstream connection
type Options struct {
	URL     string
	APIKey  string
	Model   string
	Session protocol.SessionConfig

	// Greeting, when non-empty, triggers an immediate agent response after
	// the handshake so the agent speaks first
	Greeting string
}

// Client owns the single outbound connection to the realtime voice-model
// service for one call.
type Client struct {
	conn    *websocket.Conn
	handler EventHandler
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu    sync.RWMutex
	state State

	closeOnce sync.Once
}

// Connect dials the realtime service, sends the session-configuration
// handshake, and starts the read loop. The returned client is Ready: the
// handshake has been sent, which is the precondition for audio transmission
// (the remote protocol accepts input without a configuration round trip).
func Connect(ctx context.Context, opts Options, handler EventHandler, logger zerolog.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("realtime credential not configured")
	}

	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("model", opts.Model)
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	c := &Client{
		handler: handler,
		logger:  logger,
		state:   StateConnecting,
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("failed to dial realtime service: %w", err)
	}
	c.conn = conn

	frame, err := protocol.EncodeSessionUpdate(opts.Session)
	if err != nil {
		conn.Close()
		c.setState(StateFailed)
		return nil, fmt.Errorf("failed to encode session config: %w", err)
	}
	if err := c.writeFrame(frame); err != nil {
		conn.Close()
		c.setState(StateFailed)
		return nil, fmt.Errorf("failed to send session config: %w", err)
	}

	if opts.Greeting != "" {
		frame, err := protocol.EncodeResponseCreate(opts.Greeting)
		if err == nil {
			if err := c.writeFrame(frame); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to trigger greeting")
			}
		}
	}

	c.setState(StateReady)
	go c.readLoop()

	c.logger.Info().
		Str("model", opts.Model).
		Str("voice", opts.Session.Voice).
		Msg("Realtime session configured")
	return c, nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready reports whether audio may be transmitted upstream
func (c *Client) Ready() bool {
	return c.State() == StateReady
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Closed and Failed are terminal
	if c.state == StateClosed || c.state == StateFailed {
		return
	}
	c.state = s
}

// SendAudio transmits one base64 caller audio chunk upstream
func (c *Client) SendAudio(payload string) error {
	if !c.Ready() {
		return fmt.Errorf("realtime connection is not ready (state %s)", c.State())
	}
	frame, err := protocol.EncodeAudioAppend(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audio append: %w", err)
	}
	return c.writeFrame(frame)
}

// CommitAudio flushes the upstream input buffer, committing any audio the
// server is still holding as part of the current caller turn.
func (c *Client) CommitAudio() error {
	if !c.Ready() {
		return fmt.Errorf("realtime connection is not ready (state %s)", c.State())
	}
	frame, err := protocol.EncodeAudioCommit()
	if err != nil {
		return fmt.Errorf("failed to encode audio commit: %w", err)
	}
	return c.writeFrame(frame)
}

// writeFrame serializes writes; gorilla permits one concurrent writer
func (c *Client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close shuts the connection down gracefully. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// readLoop receives and dispatches upstream events until the transport
// closes. Malformed frames are dropped; unknown event kinds are ignored.
func (c *Client) readLoop() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			deliberate := c.State() == StateClosed
			if !deliberate {
				c.setState(StateFailed)
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn().Err(err).Msg("Realtime connection lost")
				}
				c.handler.OnClosed(err)
			} else {
				c.handler.OnClosed(nil)
			}
			return
		}

		ev, ok := protocol.ParseServerEvent(message)
		if !ok {
			c.logger.Debug().Msg("Dropping malformed realtime frame")
			continue
		}

		switch ev.Kind {
		case protocol.EventAudioDelta:
			if ev.Audio != "" {
				c.handler.OnAgentAudio(ev.Audio)
			}
		case protocol.EventTextDelta:
			c.handler.OnAgentTextDelta(ev.Text)
		case protocol.EventTextDone:
			c.handler.OnAgentTextDone()
		case protocol.EventInputTranscript:
			c.handler.OnCallerTranscript(ev.Text)
		case protocol.EventSessionError:
			c.logger.Warn().
				Str("code", ev.ErrorCode).
				Str("message", ev.ErrorMessage).
				Msg("Realtime session error")
			c.handler.OnSessionError(ev.ErrorCode, ev.ErrorMessage)
		default:
			// Unknown upstream kinds are not errors
		}
	}
}
