package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/atotto/clipboard"

	"meetscribe/internal/domain"
)

// mutableTail is how many trailing transcript lines may still change: the last segment
// can grow and the partial is replaced on every update.
const mutableTail = 2

// consoleSink prints session events and transcript lines once they can no longer change.
type consoleSink struct {
	out io.Writer

	mu        sync.Mutex
	printed   int
	recording bool
	ended     chan domain.Status
}

func newConsoleSink(out io.Writer) *consoleSink {
	return &consoleSink{out: out, ended: make(chan domain.Status, 1)}
}

func (s *consoleSink) SessionStateChanged(status domain.Status, reason domain.SessionStateReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fmt.Sprintf("-- %s (%s)", status.State, reason)
	if status.Message != "" {
		line += ": " + status.Message
	}
	if len(status.Sources) > 0 {
		names := make([]string, len(status.Sources))
		for i, src := range status.Sources {
			names[i] = string(src)
		}
		line += " [" + strings.Join(names, ", ") + "]"
	}
	fmt.Fprintln(s.out, line)

	if status.State == domain.SessionStateRecording {
		s.recording = true
		return
	}
	if s.recording && !status.State.Active() {
		s.recording = false
		select {
		case s.ended <- status:
		default:
		}
	}
}

func (s *consoleSink) TranscriptUpdated(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := splitLines(text)
	if len(lines) < s.printed {
		// Cleared.
		s.printed = 0
		return
	}
	for ; s.printed < len(lines)-mutableTail; s.printed++ {
		fmt.Fprintln(s.out, lines[s.printed])
	}
}

func (s *consoleSink) SessionWarning(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "-- warning %s: %s\n", code, detail)
}

func (s *consoleSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "-- error %s: %s\n", code, detail)
}

// Ended delivers the status a recording session settled in.
func (s *consoleSink) Ended() <-chan domain.Status {
	return s.ended
}

// flush prints whatever the final transcript holds beyond the lines already shown.
func (s *consoleSink) flush(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := splitLines(text)
	for ; s.printed < len(lines); s.printed++ {
		fmt.Fprintln(s.out, lines[s.printed])
	}
}

func splitLines(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// systemClipboard writes through the OS clipboard.
type systemClipboard struct{}

func (systemClipboard) SetText(_ context.Context, text string) error {
	return clipboard.WriteAll(text)
}
