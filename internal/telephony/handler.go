package telephony

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/protocol"
	"github.com/lexiqai/voice-bridge/internal/realtime"
	"github.com/lexiqai/voice-bridge/internal/report"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The telephony platform's media servers do not send a browser
		// origin; validation happens at the network layer
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// greetingInstruction triggers the agent's opening line once the session
// handshake has been sent, so the caller is not met with silence.
const greetingInstruction = "Greet the caller briefly and ask how you can help."

// HandleMediaStream is the entry point for telephony media-stream
// connections. One connection carries one call.
func HandleMediaStream(cfg *config.Config) http.HandlerFunc {
	emitter := report.NewEmitter(cfg.ReportURL, cfg.ReportSecret,
		time.Duration(cfg.ReportTimeoutSeconds)*time.Second)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("Failed to upgrade media-stream connection")
			return
		}

		session := NewCallSession(cfg, conn, emitter, dialAgent(cfg))

		// Call metadata may arrive as query parameters at connect time;
		// start-event custom parameters override these
		q := r.URL.Query()
		session.SetMetadata(q.Get("callId"), q.Get("from"), q.Get("to"), q.Get("agencyId"))

		session.logger.Info().
			Str("remote_addr", r.RemoteAddr).
			Msg("Media-stream connection established")

		stopKeepalive := startKeepalive(session, time.Duration(cfg.KeepaliveSeconds)*time.Second)
		defer stopKeepalive()

		readLoop(session, conn)
	}
}

// readLoop demultiplexes telephony events until the connection ends.
// All session-field mutations for downstream events happen on this one
// goroutine; the upstream client's read goroutine is the only other writer
// and both serialize through the session mutex.
func readLoop(session *CallSession, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				session.logger.Warn().Err(err).Msg("Media-stream read error")
			}
			session.HandleDisconnect(err)
			return
		}

		msg, ok := protocol.ParseStreamMessage(message)
		if !ok {
			// Malformed frames are dropped, the session continues
			session.logger.Debug().Msg("Dropping malformed media-stream frame")
			continue
		}

		switch msg.Event {
		case protocol.StreamEventStart:
			session.HandleStart(msg.Start, msg.StreamSid)

		case protocol.StreamEventMedia:
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			session.RelayCallerAudio(msg.Media.Payload)

		case protocol.StreamEventStop:
			session.HandleStop()
			return

		default:
			session.logger.Debug().
				Str("event", msg.Event).
				Msg("Ignoring unrecognized media-stream event")
		}
	}
}

// startKeepalive probes the caller connection on a fixed interval,
// independent of traffic. The returned stop function is safe to call once.
func startKeepalive(session *CallSession, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := session.Keepalive(); err != nil {
					// The read loop owns failure handling; just stop probing
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// dialAgent builds the production upstream dialer from process config
func dialAgent(cfg *config.Config) agentDialer {
	return func(ctx context.Context, s *CallSession) (agentConn, error) {
		session := protocol.SessionConfig{
			Instructions:      cfg.SystemPrompt,
			Voice:             cfg.Voice,
			InputAudioFormat:  cfg.InputAudioFormat,
			OutputAudioFormat: cfg.OutputAudioFormat,
			Modalities:        []string{"text", "audio"},
			TurnDetection: protocol.TurnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
				SilenceDurationMs: cfg.VADSilenceDurationMs,
				CreateResponse:    true,
			},
		}
		if cfg.TranscriptionModel != "" {
			session.InputAudioTranscription = &protocol.InputTranscription{Model: cfg.TranscriptionModel}
		}

		client, err := realtime.Connect(ctx, realtime.Options{
			URL:      cfg.RealtimeURL,
			APIKey:   cfg.RealtimeAPIKey,
			Model:    cfg.RealtimeModel,
			Session:  session,
			Greeting: greetingInstruction,
		}, s, s.logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
