// Package transcript folds transcription events into an append-only, speaker-attributed
// transcript.
//
// Engine is not safe for concurrent use; the session controller owns it and serializes
// every call.
package transcript

import (
	"strings"

	"meetscribe/internal/domain"
)

// Engine holds committed segments, the in-progress partial and the speaker registry.
type Engine struct {
	segments []domain.Segment
	partial  *domain.TranscriptionEvent
	names    map[string]string
}

func NewEngine() *Engine {
	return &Engine{names: map[string]string{}}
}

// Apply folds one event into the transcript.
//
// A partial replaces the partial slot wholesale. A final clears the slot, then extends the
// last segment when the raw speaker label matches, or starts a new segment.
func (e *Engine) Apply(event domain.TranscriptionEvent) {
	if event.IsPartial {
		var replaced string
		if e.partial != nil {
			replaced = e.partial.Speaker
		}
		p := event
		e.partial = &p
		e.forgetUnseen(replaced)
		return
	}

	var superseded string
	if e.partial != nil {
		superseded = e.partial.Speaker
	}
	e.partial = nil
	defer e.forgetUnseen(superseded)

	text := strings.TrimSpace(event.Text)
	if text == "" {
		return
	}

	if n := len(e.segments); n > 0 && e.segments[n-1].Speaker == event.Speaker {
		e.segments[n-1].Text += " " + text
		return
	}

	e.segments = append(e.segments, domain.Segment{
		Speaker:   event.Speaker,
		Text:      text,
		Timestamp: event.Timestamp,
	})
}

// forgetUnseen drops a registry entry whose speaker only ever appeared in a superseded
// partial.
func (e *Engine) forgetUnseen(raw string) {
	if raw == "" {
		return
	}
	if _, ok := e.names[raw]; ok && !e.seen(raw) {
		delete(e.names, raw)
	}
}

// Segments returns a copy of the committed segments in chronological order.
func (e *Engine) Segments() []domain.Segment {
	out := make([]domain.Segment, len(e.segments))
	copy(out, e.segments)
	return out
}

// Partial returns the current partial and whether one is in flight.
func (e *Engine) Partial() (domain.TranscriptionEvent, bool) {
	if e.partial == nil {
		return domain.TranscriptionEvent{}, false
	}
	return *e.partial, true
}

// DisplayText renders segments as "[name] text" lines followed by the partial, if any.
func (e *Engine) DisplayText() string {
	lines := make([]string, 0, len(e.segments)+1)
	for _, seg := range e.segments {
		lines = append(lines, e.renderLine(seg.Speaker, seg.Text))
	}
	if e.partial != nil {
		if text := strings.TrimSpace(e.partial.Text); text != "" {
			lines = append(lines, e.renderLine(e.partial.Speaker, text))
		}
	}
	return strings.Join(lines, "\n")
}

// CommittedText renders only committed segments, for consumers that must not see
// tentative text.
func (e *Engine) CommittedText() string {
	lines := make([]string, 0, len(e.segments))
	for _, seg := range e.segments {
		lines = append(lines, e.renderLine(seg.Speaker, seg.Text))
	}
	return strings.Join(lines, "\n")
}

// Clear resets segments, the partial slot and the speaker registry.
func (e *Engine) Clear() {
	e.segments = nil
	e.partial = nil
	e.names = map[string]string{}
}

// RenameSpeaker maps a raw backend label to a display name. An empty name removes the
// mapping. Labels never seen in segments or the partial are ignored, so registry keys stay
// a subset of observed speakers. It reports whether the registry changed.
func (e *Engine) RenameSpeaker(raw, name string) bool {
	raw = strings.TrimSpace(raw)
	name = strings.TrimSpace(name)
	if raw == "" || !e.seen(raw) {
		return false
	}
	if name == "" || name == raw {
		if _, ok := e.names[raw]; !ok {
			return false
		}
		delete(e.names, raw)
		return true
	}
	if e.names[raw] == name {
		return false
	}
	e.names[raw] = name
	return true
}

// DisplayName resolves a raw label through the registry.
func (e *Engine) DisplayName(raw string) string {
	if name, ok := e.names[raw]; ok {
		return name
	}
	return raw
}

// Speakers returns the distinct raw labels in order of first appearance.
func (e *Engine) Speakers() []string {
	seen := map[string]bool{}
	var out []string
	add := func(label string) {
		if label == "" || seen[label] {
			return
		}
		seen[label] = true
		out = append(out, label)
	}
	for _, seg := range e.segments {
		add(seg.Speaker)
	}
	if e.partial != nil {
		add(e.partial.Speaker)
	}
	return out
}

func (e *Engine) seen(raw string) bool {
	if e.partial != nil && e.partial.Speaker == raw {
		return true
	}
	for _, seg := range e.segments {
		if seg.Speaker == raw {
			return true
		}
	}
	return false
}

func (e *Engine) renderLine(speaker, text string) string {
	if speaker == "" {
		return text
	}
	return "[" + e.DisplayName(speaker) + "] " + text
}

// HasSpeaker reports whether raw appears in a segment or the current partial.
func (e *Engine) HasSpeaker(raw string) bool {
	return e.seen(raw)
}
