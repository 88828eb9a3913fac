package transcript

import (
	"strings"
	"sync"
)

// Speaker tags a transcript line with who said it
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Line is one complete speaker-tagged utterance
type Line struct {
	Speaker Speaker
	Text    string
}

// Assembler folds asynchronous transcription events into ordered
// per-speaker lines. Assistant text arrives as partial deltas that
// accumulate until a completion event flushes them; caller utterances
// arrive whole from the upstream transcription model.
type Assembler struct {
	mu      sync.Mutex
	lines   []Line
	pending strings.Builder
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{}
}

// AppendAssistantDelta accumulates one partial assistant text delta
func (a *Assembler) AppendAssistantDelta(delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending.WriteString(delta)
}

// FlushAssistant completes the current assistant utterance. The
// accumulated deltas become one trimmed line; a whitespace-only
// accumulation produces no line. Returns whether a line was added.
func (a *Assembler) FlushAssistant() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(a.pending.String())
	a.pending.Reset()
	if text == "" {
		return false
	}
	a.lines = append(a.lines, Line{Speaker: SpeakerAssistant, Text: text})
	return true
}

// AddCallerLine appends one complete caller utterance. Whitespace-only
// utterances produce no line. Returns whether a line was added.
func (a *Assembler) AddCallerLine(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, Line{Speaker: SpeakerCaller, Text: text})
	return true
}

// Lines returns a copy of the assembled lines in arrival order
func (a *Assembler) Lines() []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}

// Text renders the full transcript as speaker-tagged lines
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sb strings.Builder
	for i, line := range a.lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(string(line.Speaker))
		sb.WriteString(": ")
		sb.WriteString(line.Text)
	}
	return sb.String()
}
