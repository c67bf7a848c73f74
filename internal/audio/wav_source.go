package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

// WAVSource replays a PCM WAV file as a capture source. Unlike device sources its frame
// sequence ends at end of file.
type WAVSource struct {
	path     string
	realtime bool
	onDrop   func()
}

// NewWAVSource reads path. With realtime set, frames are paced at the file's sample rate.
func NewWAVSource(path string, realtime bool, onDrop func()) *WAVSource {
	return &WAVSource{path: path, realtime: realtime, onDrop: onDrop}
}

func (s *WAVSource) Kind() domain.SourceKind {
	return domain.SourceFile
}

func (s *WAVSource) Devices(context.Context) ([]domain.Device, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a PCM wav file", domain.ErrUnsupportedFormat, s.path)
	}
	return []domain.Device{{
		ID:                s.path,
		Name:              filepath.Base(s.path),
		Kind:              domain.SourceFile,
		Channels:          int(decoder.NumChans),
		DefaultSampleRate: float64(decoder.SampleRate),
		IsDefault:         true,
	}}, nil
}

func (s *WAVSource) Open(ctx context.Context, req ports.OpenRequest) (ports.CaptureStream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a PCM wav file", domain.ErrUnsupportedFormat, s.path)
	}
	decoder.ReadInfo()
	if err := decoder.Err(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrUnsupportedFormat, err)
	}
	switch decoder.BitDepth {
	case 8, 16, 24, 32:
	default:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %d-bit wav", domain.ErrUnsupportedFormat, decoder.BitDepth)
	}

	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = 1024
	}
	format := ports.Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		Encoding:   ports.EncodingS16LE,
	}

	stream := &wavStream{
		file:     f,
		decoder:  decoder,
		format:   format,
		bitDepth: int(decoder.BitDepth),
		realtime: s.realtime,
		queue:    NewFrameQueue(0, s.onDrop),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go stream.run(chunk * format.SampleRate / domain.CanonicalSampleRate)
	return stream, nil
}

type wavStream struct {
	file     *os.File
	decoder  *wav.Decoder
	format   ports.Format
	bitDepth int
	realtime bool

	queue *FrameQueue
	stop  chan struct{}
	done  chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

func (s *wavStream) Kind() domain.SourceKind {
	return domain.SourceFile
}

func (s *wavStream) Frames() <-chan ports.Frame {
	return s.queue.Frames()
}

func (s *wavStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wavStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

func (s *wavStream) run(framesPerChunk int) {
	defer close(s.done)
	defer s.queue.Close()

	if framesPerChunk <= 0 {
		framesPerChunk = 1
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:   make([]int, framesPerChunk*s.format.Channels),
	}
	interval := time.Duration(framesPerChunk) * time.Second / time.Duration(s.format.SampleRate)
	next := time.Now()

	var seq uint64
	for {
		n, err := s.decoder.PCMBuffer(buf)
		if err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("wav decode failed: %w", err)
			s.mu.Unlock()
			return
		}
		if n == 0 {
			return
		}

		seq++
		frame := ports.Frame{
			Data:     s.toS16(buf.Data[:n]),
			Format:   s.format,
			Seq:      seq,
			Captured: time.Now(),
		}

		if s.realtime {
			next = next.Add(interval)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			s.queue.Push(frame)
			continue
		}

		// Without pacing the consumer sets the speed; wait for room instead of dropping.
		for !s.queue.TryPush(frame) {
			select {
			case <-s.stop:
				return
			case <-time.After(time.Millisecond):
			}
		}
		select {
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *wavStream) toS16(samples []int) []byte {
	out := make([]int16, len(samples))
	for i, v := range samples {
		switch s.bitDepth {
		case 8:
			out[i] = int16((v - 128) << 8)
		case 24:
			out[i] = int16(v >> 8)
		case 32:
			out[i] = int16(v >> 16)
		default:
			out[i] = int16(v)
		}
	}
	return Int16ToBytes(out)
}
