package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/protocol"
	"github.com/lexiqai/voice-bridge/internal/report"
	"github.com/lexiqai/voice-bridge/internal/transcript"
)

// upstreamState tracks the voice-model connection lifecycle as the session
// sees it. Audio is buffered while Unconnected or Connecting, transmitted
// while Ready, and dropped in the terminal states.
type upstreamState int

const (
	upstreamUnconnected upstreamState = iota
	upstreamConnecting
	upstreamReady
	upstreamClosed
	upstreamFailed
)

// agentConn is the slice of the upstream connection the session drives
type agentConn interface {
	SendAudio(payload string) error
	CommitAudio() error
	Close() error
}

// callerConn is the slice of the telephony socket the session writes to.
// *websocket.Conn satisfies it.
type callerConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// agentDialer opens the upstream connection for one session. The session
// itself is the event handler, so the dialer wires events straight back in.
type agentDialer func(ctx context.Context, s *CallSession) (agentConn, error)

// CallSession binds one telephony connection to one voice-model connection
// and owns all per-call state: identifiers, readiness, the pre-connect
// audio buffer, transcript accumulation, and the finalize-once contract.
type CallSession struct {
	cfg     *config.Config
	conn    callerConn
	emitter *report.Emitter
	dial    agentDialer
	logger  zerolog.Logger
	metrics *observability.Metrics

	sessionID string
	asm       *transcript.Assembler
	pending   *audio.ChunkBuffer

	writeMu sync.Mutex // serializes caller socket writes

	mu             sync.Mutex
	streamID       string
	callID         string
	from           string
	to             string
	agencyID       string
	state          upstreamState
	agent          agentConn
	begun          bool
	callerClosed   bool
	startedAt      time.Time
	endedAt        time.Time
	finalized      bool
	upstreamErrors int
}

// NewCallSession creates the session for one freshly-accepted telephony
// connection. Call metadata from connection query parameters may be set via
// SetMetadata before the start event arrives.
func NewCallSession(cfg *config.Config, conn callerConn, emitter *report.Emitter, dial agentDialer) *CallSession {
	sessionID := uuid.New().String()
	return &CallSession{
		cfg:       cfg,
		conn:      conn,
		emitter:   emitter,
		dial:      dial,
		logger:    observability.SessionLogger(sessionID),
		metrics:   observability.NewCallMetrics(sessionID),
		sessionID: sessionID,
		asm:       transcript.NewAssembler(),
		pending:   audio.NewChunkBuffer(cfg.PendingAudioChunks),
	}
}

// SetMetadata records call metadata known at connection time. Fields
// already set are left untouched.
func (s *CallSession) SetMetadata(callID, from, to, agencyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID == "" {
		s.callID = callID
	}
	if s.from == "" {
		s.from = from
	}
	if s.to == "" {
		s.to = to
	}
	if s.agencyID == "" {
		s.agencyID = agencyID
	}
}

// HandleStart processes the stream-start event: captures identifiers,
// records the call start time, and begins the session.
func (s *CallSession) HandleStart(start *protocol.StreamStart, streamSid string) {
	s.mu.Lock()
	if s.streamID == "" {
		if streamSid != "" {
			s.streamID = streamSid
		} else if start != nil {
			s.streamID = start.StreamSid
		}
	}
	if start != nil {
		if start.CallSid != "" {
			s.callID = start.CallSid
		}
		// Custom parameters win over connection-time query parameters
		if params := start.CustomParameters; params != nil {
			if v, ok := params["agencyId"]; ok && v != "" {
				s.agencyID = v
			}
			if v, ok := params["from"]; ok && v != "" {
				s.from = v
			}
			if v, ok := params["to"]; ok && v != "" {
				s.to = v
			}
		}
	}
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	streamID := s.streamID
	callID := s.callID
	s.mu.Unlock()

	s.logger.Info().
		Str("stream_id", streamID).
		Str("call_id", callID).
		Msg("Call started")
	s.metrics.RecordCallStart()

	s.Begin(context.Background())
}

// Begin establishes the upstream connection. Idempotent: a second call is
// a no-op. The dial runs off the caller's read loop so media keeps flowing
// into the pending buffer during the handshake.
func (s *CallSession) Begin(ctx context.Context) {
	s.mu.Lock()
	if s.begun {
		s.mu.Unlock()
		return
	}
	s.begun = true

	if s.cfg.RealtimeAPIKey == "" {
		// Fatal for this session only: close the caller connection with a
		// distinguishing close code and emit no report.
		s.finalized = true
		s.callerClosed = true
		s.mu.Unlock()

		s.logger.Error().Msg("Voice credential not configured, rejecting call")
		s.metrics.RecordError("missing_credential", "session")
		s.closeCaller(websocket.ClosePolicyViolation, "voice credential not configured")
		s.metrics.RecordCallEnd()
		return
	}

	s.state = upstreamConnecting
	s.mu.Unlock()

	go s.connectUpstream(ctx)
}

// connectUpstream dials the voice model and, on success, drains any audio
// buffered during the handshake in original order.
func (s *CallSession) connectUpstream(ctx context.Context) {
	agent, err := s.dial(ctx, s)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect to voice model")
		s.metrics.RecordError("upstream_connect_failed", "realtime")
		s.mu.Lock()
		s.state = upstreamFailed
		s.mu.Unlock()
		s.FinalizeAndReport(report.ReasonUpstreamClosed)
		return
	}

	s.mu.Lock()
	if s.finalized {
		// The call ended while the handshake was in flight
		s.mu.Unlock()
		_ = agent.Close()
		return
	}
	s.agent = agent
	for _, chunk := range s.pending.Drain() {
		if err := agent.SendAudio(chunk); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to drain buffered audio")
			break
		}
	}
	s.state = upstreamReady
	s.mu.Unlock()

	s.logger.Info().Msg("Voice model connected, buffered audio drained")
}

// RelayCallerAudio forwards one base64 caller audio chunk upstream,
// buffering it while the upstream connection is still being established.
func (s *CallSession) RelayCallerAudio(payload string) {
	if payload == "" {
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case upstreamReady:
		if err := s.agent.SendAudio(payload); err != nil {
			// Transport failures surface through OnClosed; just log here
			s.logger.Warn().Err(err).Msg("Failed to relay caller audio")
			s.metrics.RecordError("audio_relay", "realtime")
		}
	case upstreamUnconnected, upstreamConnecting:
		if dropped := s.pending.Push(payload); dropped > 0 {
			s.logger.Warn().
				Int("capacity", s.pending.Cap()).
				Msg("Pending audio buffer full, dropped oldest chunk")
			s.metrics.RecordPendingChunksDropped(dropped)
		}
	default:
		// Upstream already gone; audio has nowhere to go
	}
}

// OnAgentAudio relays one synthesized audio chunk back to the caller.
// A closed caller connection makes this a silent no-op: the caller hanging
// up while the agent is mid-sentence is an expected race.
func (s *CallSession) OnAgentAudio(payload string) {
	s.mu.Lock()
	closed := s.callerClosed
	streamID := s.streamID
	s.mu.Unlock()
	if closed {
		return
	}

	frame, err := protocol.EncodeOutboundMedia(streamID, payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode outbound media")
		return
	}

	s.metrics.RecordAudioBytes("out", int64(len(payload)))
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write agent audio to caller")
	}
}

// OnAgentTextDelta accumulates one partial assistant text delta
func (s *CallSession) OnAgentTextDelta(delta string) {
	s.asm.AppendAssistantDelta(delta)
}

// OnAgentTextDone flushes the accumulated assistant utterance into the
// transcript.
func (s *CallSession) OnAgentTextDone() {
	s.asm.FlushAssistant()
}

// OnCallerTranscript appends one whole transcribed caller utterance
func (s *CallSession) OnCallerTranscript(text string) {
	s.asm.AddCallerLine(text)
}

// OnSessionError records an in-band upstream error. Non-fatal: the session
// continues unless the transport subsequently closes.
func (s *CallSession) OnSessionError(code, message string) {
	s.mu.Lock()
	s.upstreamErrors++
	s.mu.Unlock()
	s.logger.Warn().
		Str("code", code).
		Str("message", message).
		Msg("Voice model session error")
	s.metrics.RecordError("session_error", "realtime")
}

// OnClosed handles upstream transport termination. The caller cannot be
// left connected to a dead agent, so the session finalizes and the
// telephony connection is closed too.
func (s *CallSession) OnClosed(err error) {
	s.mu.Lock()
	if s.state != upstreamClosed && s.state != upstreamFailed {
		if err != nil {
			s.state = upstreamFailed
		} else {
			s.state = upstreamClosed
		}
	}
	alreadyFinal := s.finalized
	s.mu.Unlock()

	if alreadyFinal {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Voice model connection lost")
	}
	s.FinalizeAndReport(report.ReasonUpstreamClosed)
}

// HandleStop processes the stream-stop event: commits any audio the
// upstream is still holding, then finalizes.
func (s *CallSession) HandleStop() {
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	agent := s.agent
	ready := s.state == upstreamReady
	s.mu.Unlock()

	s.logger.Info().Msg("Call stopped by telephony platform")
	if ready && agent != nil {
		if err := agent.CommitAudio(); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to commit upstream audio buffer")
		}
	}
	s.FinalizeAndReport(report.ReasonStop)
}

// HandleDisconnect processes downstream transport failure or close
func (s *CallSession) HandleDisconnect(err error) {
	s.mu.Lock()
	s.callerClosed = true
	alreadyFinal := s.finalized
	s.mu.Unlock()

	if alreadyFinal {
		return
	}
	if err != nil {
		s.logger.Info().Err(err).Msg("Caller disconnected")
	}
	s.FinalizeAndReport(report.ReasonCallerDisconnected)
}

// FinalizeAndReport runs the one-time termination sequence: it stamps
// endedAt if unset, flushes the transcript accumulator, assembles the call
// report, delivers it best-effort, and releases both connections. The
// finalized latch makes concurrent and repeated invocations no-ops.
func (s *CallSession) FinalizeAndReport(reason string) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	agent := s.agent
	startedAt := s.startedAt
	endedAt := s.endedAt
	s.mu.Unlock()

	// Flush a half-accumulated assistant utterance so it is not lost
	s.asm.FlushAssistant()

	rep := &report.CallReport{
		SessionID:       s.sessionID,
		Reason:          reason,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationSeconds: report.Duration(startedAt, endedAt),
		Transcript:      s.asm.Text(),
	}
	s.mu.Lock()
	rep.CallID = s.callID
	rep.StreamID = s.streamID
	rep.From = s.from
	rep.To = s.to
	rep.AgencyID = s.agencyID
	s.mu.Unlock()

	result := s.emitter.Emit(context.Background(), rep)
	s.metrics.RecordReportDelivery(string(result.Status))
	switch result.Status {
	case report.DeliverySkipped:
		s.logger.Debug().Msg("Report delivery skipped, no collector configured")
	case report.DeliveryFailed:
		// Non-fatal: the call already ended, a dropped report is acceptable
		s.logger.Warn().
			Int("status_code", result.StatusCode).
			Err(result.Err).
			Msg("Report delivery failed")
		s.metrics.RecordError("report_delivery", "report")
	default:
		s.logger.Info().
			Str("reason", reason).
			Int("duration_secs", rep.DurationSeconds).
			Msg("Call report delivered")
	}

	if agent != nil {
		_ = agent.Close()
	}
	s.closeCallerGracefully()
	s.metrics.RecordCallEnd()
}

// closeCallerGracefully sends a normal close frame then drops the socket
func (s *CallSession) closeCallerGracefully() {
	s.mu.Lock()
	if s.callerClosed {
		s.mu.Unlock()
		_ = s.conn.Close()
		return
	}
	s.callerClosed = true
	s.mu.Unlock()

	s.closeCaller(websocket.CloseNormalClosure, "")
}

func (s *CallSession) closeCaller(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// Keepalive sends a ping control frame; only transport-level close or
// error events end the session, so an unanswered probe is not failure.
func (s *CallSession) Keepalive() error {
	s.mu.Lock()
	closed := s.callerClosed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("caller connection closed")
	}

	deadline := time.Now().Add(5 * time.Second)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// SessionID returns the session's correlation identifier
func (s *CallSession) SessionID() string {
	return s.sessionID
}

// Finalized reports whether the termination sequence has run
func (s *CallSession) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
