package awstranscribe

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"meetscribe/internal/domain"
)

// translate turns one transcript result into session events. Final results whose items span
// several speakers become one event per contiguous speaker run; punctuation stays with the
// word before it.
func translate(result types.Result, started time.Time) []domain.TranscriptionEvent {
	if len(result.Alternatives) == 0 {
		return nil
	}
	alt := result.Alternatives[0]
	text := strings.TrimSpace(aws.ToString(alt.Transcript))
	if text == "" {
		return nil
	}
	at := started.Add(seconds(result.StartTime))

	runs := speakerRuns(alt.Items)
	if result.IsPartial || len(runs) <= 1 {
		speaker := ""
		if len(runs) > 0 {
			speaker = runs[0].speaker
		}
		return []domain.TranscriptionEvent{{Text: text, IsPartial: result.IsPartial, Timestamp: at, Speaker: speaker}}
	}

	events := make([]domain.TranscriptionEvent, 0, len(runs))
	for _, run := range runs {
		events = append(events, domain.TranscriptionEvent{
			Text:      run.text(),
			Timestamp: started.Add(seconds(run.start)),
			Speaker:   run.speaker,
		})
	}
	return events
}

type run struct {
	speaker string
	start   float64
	words   []string
}

func (r run) text() string {
	return strings.Join(r.words, " ")
}

func speakerRuns(items []types.Item) []run {
	var runs []run
	for _, item := range items {
		content := strings.TrimSpace(aws.ToString(item.Content))
		if content == "" {
			continue
		}
		if item.Type == types.ItemTypePunctuation {
			if n := len(runs); n > 0 && len(runs[n-1].words) > 0 {
				last := &runs[n-1]
				last.words[len(last.words)-1] += content
			}
			continue
		}
		speaker := normalizeSpeaker(aws.ToString(item.Speaker))
		if n := len(runs); n > 0 && runs[n-1].speaker == speaker {
			runs[n-1].words = append(runs[n-1].words, content)
			continue
		}
		runs = append(runs, run{speaker: speaker, start: item.StartTime, words: []string{content}})
	}
	return runs
}

// normalizeSpeaker maps backend labels to spk_N.
func normalizeSpeaker(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	if strings.HasPrefix(label, "spk_") {
		return label
	}
	return "spk_" + label
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
