package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/protocol"
	"github.com/lexiqai/voice-bridge/internal/report"
)

// fakeAgent records everything the session sends upstream
type fakeAgent struct {
	mu      sync.Mutex
	audio   []string
	commits int
	closes  int
	sendErr error
}

func (f *fakeAgent) SendAudio(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio = append(f.audio, payload)
	return nil
}

func (f *fakeAgent) CommitAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeAgent) sentAudio() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audio))
	copy(out, f.audio)
	return out
}

// fakeCaller records frames and control messages written downstream
type fakeCaller struct {
	mu         sync.Mutex
	frames     [][]byte
	closeCodes []int
	pings      int
	closes     int
}

func (f *fakeCaller) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeCaller) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(data[0])<<8 | int(data[1])
		}
		f.closeCodes = append(f.closeCodes, code)
	case websocket.PingMessage:
		f.pings++
	}
	return nil
}

func (f *fakeCaller) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeCaller) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// reportCollector is a fake report endpoint counting deliveries
type reportCollector struct {
	srv     *httptest.Server
	mu      sync.Mutex
	reports []report.CallReport
}

func newReportCollector() *reportCollector {
	c := &reportCollector{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var rep report.CallReport
		_ = json.Unmarshal(body, &rep)
		c.mu.Lock()
		c.reports = append(c.reports, rep)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return c
}

func (c *reportCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

func (c *reportCollector) last() report.CallReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reports[len(c.reports)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		RealtimeAPIKey:     "test-key",
		PendingAudioChunks: 10,
		KeepaliveSeconds:   20,
	}
}

func immediateDialer(agent agentConn) agentDialer {
	return func(ctx context.Context, s *CallSession) (agentConn, error) {
		return agent, nil
	}
}

func gatedDialer(agent agentConn, gate chan struct{}) agentDialer {
	return func(ctx context.Context, s *CallSession) (agentConn, error) {
		<-gate
		return agent, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *CallSession) waitReady(t *testing.T) {
	t.Helper()
	waitFor(t, "upstream ready", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state == upstreamReady
	})
}

func TestFinalize_ExactlyOnceUnderConcurrentTermination(t *testing.T) {
	collector := newReportCollector()
	defer collector.srv.Close()

	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter(collector.srv.URL, "secret", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1", CallSid: "CA1"}, "SS1")
	s.waitReady(t)

	// All three termination paths fire at once
	var wg sync.WaitGroup
	for _, fire := range []func(){
		func() { s.HandleStop() },
		func() { s.HandleDisconnect(errors.New("read: connection reset")) },
		func() { s.OnClosed(errors.New("upstream gone")) },
	} {
		wg.Add(1)
		go func(f func()) {
			defer wg.Done()
			f()
		}(fire)
	}
	wg.Wait()

	if got := collector.count(); got != 1 {
		t.Errorf("Expected exactly 1 report emission, got %d", got)
	}
	if !s.Finalized() {
		t.Error("Expected session to be finalized")
	}
}

func TestFinalize_IdempotentStopThenClose(t *testing.T) {
	collector := newReportCollector()
	defer collector.srv.Close()

	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter(collector.srv.URL, "secret", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")
	s.waitReady(t)

	s.HandleStop()
	s.HandleDisconnect(errors.New("websocket: close 1006"))

	if got := collector.count(); got != 1 {
		t.Errorf("Expected exactly 1 report after stop-then-close, got %d", got)
	}
	if collector.last().Reason != report.ReasonStop {
		t.Errorf("Expected first termination's reason 'stop', got '%s'", collector.last().Reason)
	}
}

func TestPendingBuffer_OrderedDrainWithDropOldest(t *testing.T) {
	agent := &fakeAgent{}
	caller := &fakeCaller{}
	gate := make(chan struct{})
	emitter := report.NewEmitter("", "", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, gatedDialer(agent, gate))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")

	// Capacity 10; 15 chunks arrive while the handshake is in flight
	for i := 0; i < 15; i++ {
		s.RelayCallerAudio(fmt.Sprintf("chunk-%d", i))
	}

	close(gate)
	s.waitReady(t)

	got := agent.sentAudio()
	if len(got) != 10 {
		t.Fatalf("Expected 10 chunks upstream (5 oldest dropped), got %d", len(got))
	}
	for i := 0; i < 10; i++ {
		want := fmt.Sprintf("chunk-%d", i+5)
		if got[i] != want {
			t.Errorf("Chunk %d: expected '%s', got '%s'", i, want, got[i])
		}
	}

	// Once Ready, audio flows directly and the buffer is never refilled
	s.RelayCallerAudio("chunk-live")
	got = agent.sentAudio()
	if got[len(got)-1] != "chunk-live" {
		t.Errorf("Expected direct relay after ready, got %v", got)
	}
	if s.pending.Len() != 0 {
		t.Errorf("Expected pending buffer to stay empty after ready, got %d", s.pending.Len())
	}
}

func TestMissingCredential_ClosesWithPolicyCodeAndNoReport(t *testing.T) {
	collector := newReportCollector()
	defer collector.srv.Close()

	cfg := testConfig()
	cfg.RealtimeAPIKey = ""
	caller := &fakeCaller{}
	emitter := report.NewEmitter(collector.srv.URL, "secret", time.Second)
	dialCalled := false
	s := NewCallSession(cfg, caller, emitter, func(ctx context.Context, s *CallSession) (agentConn, error) {
		dialCalled = true
		return &fakeAgent{}, nil
	})

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")

	if dialCalled {
		t.Error("Expected no upstream dial without a credential")
	}
	if !s.Finalized() {
		t.Error("Expected session latched after credential rejection")
	}

	caller.mu.Lock()
	codes := caller.closeCodes
	caller.mu.Unlock()
	if len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
		t.Errorf("Expected close code %d, got %v", websocket.ClosePolicyViolation, codes)
	}
	if collector.count() != 0 {
		t.Errorf("Expected no report emission, got %d", collector.count())
	}
}

func TestAgentAudio_RelayedToCallerAndDroppedAfterClose(t *testing.T) {
	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter("", "", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")
	s.waitReady(t)

	s.OnAgentAudio("QUJD")
	if caller.frameCount() != 1 {
		t.Fatalf("Expected 1 frame to caller, got %d", caller.frameCount())
	}

	caller.mu.Lock()
	var frame struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	err := json.Unmarshal(caller.frames[0], &frame)
	caller.mu.Unlock()
	if err != nil {
		t.Fatalf("Caller frame is not valid JSON: %v", err)
	}
	if frame.Event != "media" || frame.StreamSid != "SS1" || frame.Media.Payload != "QUJD" {
		t.Errorf("Unexpected caller frame: %+v", frame)
	}

	// The caller hanging up mid-utterance is an expected race, not an error
	s.HandleDisconnect(nil)
	s.OnAgentAudio("REVG")
	if caller.frameCount() != 1 {
		t.Errorf("Expected agent audio after close to be dropped, got %d frames", caller.frameCount())
	}
}

func TestEndToEnd_StartMediaStop(t *testing.T) {
	collector := newReportCollector()
	defer collector.srv.Close()

	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter(collector.srv.URL, "secret", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1", CallSid: "CA1"}, "SS1")
	s.waitReady(t)

	for _, payload := range []string{"AAAA", "BBBB", "CCCC"} {
		s.RelayCallerAudio(payload)
	}
	s.HandleStop()

	got := agent.sentAudio()
	if len(got) != 3 || got[0] != "AAAA" || got[1] != "BBBB" || got[2] != "CCCC" {
		t.Errorf("Expected ordered appends [AAAA BBBB CCCC], got %v", got)
	}

	agent.mu.Lock()
	commits, closes := agent.commits, agent.closes
	agent.mu.Unlock()
	if commits != 1 {
		t.Errorf("Expected 1 commit before close, got %d", commits)
	}
	if closes == 0 {
		t.Error("Expected upstream connection to be closed")
	}

	if collector.count() != 1 {
		t.Fatalf("Expected 1 report, got %d", collector.count())
	}
	rep := collector.last()
	if rep.Reason != report.ReasonStop {
		t.Errorf("Expected reason 'stop', got '%s'", rep.Reason)
	}
	if rep.DurationSeconds < 0 {
		t.Errorf("Expected non-negative duration, got %d", rep.DurationSeconds)
	}
	if rep.StreamID != "SS1" || rep.CallID != "CA1" {
		t.Errorf("Expected call identifiers on report, got %+v", rep)
	}
}

func TestFinalize_FlushesPendingAssistantText(t *testing.T) {
	collector := newReportCollector()
	defer collector.srv.Close()

	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter(collector.srv.URL, "secret", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")
	s.waitReady(t)

	s.OnCallerTranscript("Hello?")
	s.OnAgentTextDelta("I was cut ")
	s.OnAgentTextDelta("off mid-sentence")
	// No text-done arrives; the upstream dies first
	s.OnClosed(errors.New("connection reset"))

	if collector.count() != 1 {
		t.Fatalf("Expected 1 report, got %d", collector.count())
	}
	rep := collector.last()
	if rep.Reason != report.ReasonUpstreamClosed {
		t.Errorf("Expected reason 'upstream-closed', got '%s'", rep.Reason)
	}
	want := "caller: Hello?\nassistant: I was cut off mid-sentence"
	if rep.Transcript != want {
		t.Errorf("Expected transcript with flushed partial:\n%s\ngot:\n%s", want, rep.Transcript)
	}
}

func TestFinalize_SkippedReportDoesNotBlockTeardown(t *testing.T) {
	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter("", "", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")
	s.waitReady(t)
	s.HandleStop()

	if !s.Finalized() {
		t.Error("Expected teardown to complete without a collector")
	}
	agent.mu.Lock()
	closes := agent.closes
	agent.mu.Unlock()
	if closes == 0 {
		t.Error("Expected upstream closed despite skipped report")
	}
	caller.mu.Lock()
	callerCloses := caller.closes
	caller.mu.Unlock()
	if callerCloses == 0 {
		t.Error("Expected caller connection closed despite skipped report")
	}
}

func TestBegin_Idempotent(t *testing.T) {
	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter("", "", time.Second)
	dials := 0
	var mu sync.Mutex
	s := NewCallSession(testConfig(), caller, emitter, func(ctx context.Context, s *CallSession) (agentConn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return agent, nil
	})

	s.Begin(context.Background())
	s.Begin(context.Background())
	s.waitReady(t)

	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("Expected exactly 1 upstream dial, got %d", dials)
	}
}

func TestDialFailure_FinalizesWithUpstreamReason(t *testing.T) {
	collector := newReportCollector()
	defer collector.srv.Close()

	caller := &fakeCaller{}
	emitter := report.NewEmitter(collector.srv.URL, "secret", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, func(ctx context.Context, s *CallSession) (agentConn, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")

	waitFor(t, "finalize after dial failure", s.Finalized)
	if collector.count() != 1 {
		t.Fatalf("Expected 1 report, got %d", collector.count())
	}
	if collector.last().Reason != report.ReasonUpstreamClosed {
		t.Errorf("Expected reason 'upstream-closed', got '%s'", collector.last().Reason)
	}
}

func TestSessionError_IsNonFatal(t *testing.T) {
	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter("", "", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	s.HandleStart(&protocol.StreamStart{StreamSid: "SS1"}, "SS1")
	s.waitReady(t)

	s.OnSessionError("rate_limited", "slow down")

	if s.Finalized() {
		t.Error("In-band session error must not terminate the session")
	}
	s.RelayCallerAudio("AAAA")
	if got := agent.sentAudio(); len(got) != 1 {
		t.Errorf("Expected audio to keep flowing after session error, got %v", got)
	}
}

func TestKeepalive_PingsWhileOpenFailsWhenClosed(t *testing.T) {
	agent := &fakeAgent{}
	caller := &fakeCaller{}
	emitter := report.NewEmitter("", "", time.Second)
	s := NewCallSession(testConfig(), caller, emitter, immediateDialer(agent))

	if err := s.Keepalive(); err != nil {
		t.Errorf("Keepalive on open connection failed: %v", err)
	}
	caller.mu.Lock()
	pings := caller.pings
	caller.mu.Unlock()
	if pings != 1 {
		t.Errorf("Expected 1 ping, got %d", pings)
	}

	s.HandleDisconnect(nil)
	if err := s.Keepalive(); err == nil {
		t.Error("Expected keepalive to fail after close")
	}
}
