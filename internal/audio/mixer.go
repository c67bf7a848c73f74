package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"meetscribe/internal/domain"
	"meetscribe/internal/metrics"
	"meetscribe/internal/ports"
)

const (
	defaultMixerBuffer = 64
	mixerDrainTimeout  = 500 * time.Millisecond
)

// Mixer fans several capture streams into one canonical chunk sequence. Chunks are
// forwarded in arrival order; sources are interleaved, never summed. A source that fails
// is dropped without affecting the others.
type Mixer struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	outRate int

	out    chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	streams  []ports.CaptureStream
	failures map[domain.SourceKind]error
	failed   int
	started  bool

	closeOnce sync.Once
}

// NewMixer returns a mixer producing 16-bit mono PCM at outRate.
func NewMixer(logger zerolog.Logger, m *metrics.Metrics, outRate int) *Mixer {
	if outRate <= 0 {
		outRate = domain.CanonicalSampleRate
	}
	return &Mixer{
		logger:   logger.With().Str("component", "mixer").Logger(),
		metrics:  m,
		outRate:  outRate,
		out:      make(chan []byte, defaultMixerBuffer),
		done:     make(chan struct{}),
		failures: make(map[domain.SourceKind]error),
	}
}

// Start begins pumping every stream. It may be called once; the output channel closes
// when all streams have ended or ctx is cancelled.
func (m *Mixer) Start(ctx context.Context, streams ...ports.CaptureStream) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("mixer already started")
	}
	m.started = true
	m.streams = append(m.streams, streams...)
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if len(streams) == 0 {
		m.cancel()
		close(m.out)
		close(m.done)
		return domain.ErrNoAudioSources
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, stream := range streams {
		stream := stream
		group.Go(func() error {
			return m.pump(groupCtx, stream)
		})
	}

	go func() {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn().Err(err).Msg("mixer stopped")
		}
		close(m.out)
		close(m.done)
	}()
	return nil
}

// Chunks is the mixed output. It is closed once every source has finished.
func (m *Mixer) Chunks() <-chan []byte {
	return m.out
}

// Close closes every source and waits for the pumps to drain. Frames already captured are
// still forwarded unless nobody reads them within the drain timeout.
func (m *Mixer) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		streams := append([]ports.CaptureStream(nil), m.streams...)
		started := m.started
		cancel := m.cancel
		m.mu.Unlock()

		for _, stream := range streams {
			if err := stream.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		if !started {
			return
		}
		select {
		case <-m.done:
		case <-time.After(mixerDrainTimeout):
			cancel()
			<-m.done
		}
		cancel()
	})
	return closeErr
}

// Failures returns the sources that ended with an error.
func (m *Mixer) Failures() map[domain.SourceKind]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.SourceKind]error, len(m.failures))
	for kind, err := range m.failures {
		out[kind] = err
	}
	return out
}

// Err reports ErrNoAudioSources once every source has failed, and nil while at least one
// source produced audio or ended cleanly.
func (m *Mixer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 || m.failed < len(m.streams) {
		return nil
	}
	parts := make([]string, 0, len(m.failures))
	for kind, err := range m.failures {
		parts = append(parts, fmt.Sprintf("%s: %v", kind, err))
	}
	return fmt.Errorf("%w: %s", domain.ErrNoAudioSources, strings.Join(parts, "; "))
}

func (m *Mixer) pump(ctx context.Context, stream ports.CaptureStream) error {
	kind := stream.Kind()
	logger := m.logger.With().Str("source", string(kind)).Logger()

	var resampler *Resampler
	for {
		var (
			frame ports.Frame
			ok    bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok = <-stream.Frames():
		}
		if !ok {
			break
		}

		if resampler == nil || resampler.Format() != frame.Format {
			next, err := NewResampler(frame.Format, m.outRate)
			if err != nil {
				logger.Warn().Err(err).Interface("format", frame.Format).Msg("dropping source with unusable format")
				m.metrics.RecordResamplerFailure(string(kind))
				m.recordFailure(kind, err)
				_ = stream.Close()
				return nil
			}
			if resampler != nil {
				logger.Info().Interface("format", frame.Format).Msg("source format changed")
			}
			resampler = next
		}

		chunk := resampler.Process(frame.Data)
		if len(chunk) == 0 {
			continue
		}
		select {
		case m.out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := stream.Err(); err != nil {
		logger.Warn().Err(err).Msg("capture source ended with error")
		m.recordFailure(kind, err)
		return nil
	}
	logger.Debug().Msg("capture source ended")
	return nil
}

func (m *Mixer) recordFailure(kind domain.SourceKind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	if _, exists := m.failures[kind]; !exists {
		m.failures[kind] = err
	}
}
