package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

const (
	ffmpegStartProbe  = 250 * time.Millisecond
	ffmpegStopTimeout = 1200 * time.Millisecond
	defaultFFMPEGRate = 48000
)

// FFMPEGConfig selects the ffmpeg input used for capture.
type FFMPEGConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
	Channels    int
	QueueFrames int
}

// FFMPEGSource captures PCM through an ffmpeg child process. It backs system audio
// (loopback or screen-capture inputs) and reports the process output in its native shape.
type FFMPEGSource struct {
	kind   domain.SourceKind
	cfg    FFMPEGConfig
	onDrop func()
}

// NewFFMPEGSource builds an ffmpeg-backed source of the given kind.
func NewFFMPEGSource(kind domain.SourceKind, cfg FFMPEGConfig, onDrop func()) *FFMPEGSource {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "avfoundation"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = ":0"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultFFMPEGRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	return &FFMPEGSource{kind: kind, cfg: cfg, onDrop: onDrop}
}

func (s *FFMPEGSource) Kind() domain.SourceKind {
	return s.kind
}

// Devices lists the single configured input. ffmpeg has no portable enumeration API.
func (s *FFMPEGSource) Devices(context.Context) ([]domain.Device, error) {
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return []domain.Device{{
		ID:                s.cfg.InputDevice,
		Name:              fmt.Sprintf("%s %s", s.cfg.InputFormat, s.cfg.InputDevice),
		Kind:              s.kind,
		Channels:          s.cfg.Channels,
		DefaultSampleRate: float64(s.cfg.SampleRate),
		IsDefault:         true,
	}}, nil
}

func (s *FFMPEGSource) Open(ctx context.Context, req ports.OpenRequest) (ports.CaptureStream, error) {
	device := s.cfg.InputDevice
	if strings.TrimSpace(req.DeviceID) != "" {
		device = req.DeviceID
	}
	format := ports.Format{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Encoding:   ports.EncodingS16LE,
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.cfg.InputFormat,
		"-i", device,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	}

	// The process outlives ctx, which only bounds startup.
	cmd := exec.Command(s.cfg.Command, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	// An os.Pipe rather than StdoutPipe: cmd.Wait must not close the read end while
	// readLoop is still draining the last PCM the process wrote.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, s.classify(fmt.Errorf("failed to start ffmpeg: %w", err), "")
	}
	_ = stdoutW.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = stdout.Close()
		detail := stringsTrimSpaceSafe(stderr.String())
		if err != nil {
			return nil, s.classify(fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, detail), detail)
		}
		return nil, s.classify(errors.New("ffmpeg exited before capture started"), detail)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		_ = stdout.Close()
		return nil, ctx.Err()
	case <-time.After(ffmpegStartProbe):
	}

	chunkBytes := req.ChunkSize
	if chunkBytes <= 0 {
		chunkBytes = 1024
	}
	// ChunkSize counts canonical samples; scale to the native rate and width.
	chunkBytes = chunkBytes * format.SampleRate / domain.CanonicalSampleRate * format.Channels * 2

	stream := &ffmpegStream{
		kind:    s.kind,
		format:  format,
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
		queue:   NewFrameQueue(s.cfg.QueueFrames, s.onDrop),
		done:    make(chan struct{}),
	}
	go stream.readLoop(chunkBytes)
	return stream, nil
}

// classify maps ffmpeg startup failures onto the shared sentinels.
func (s *FFMPEGSource) classify(err error, stderr string) error {
	lower := strings.ToLower(stderr + " " + err.Error())
	switch {
	case strings.Contains(lower, "permission") || strings.Contains(lower, "not authorized") || strings.Contains(lower, "tcc"):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case s.kind == domain.SourceSystem && (strings.Contains(lower, "no such") || strings.Contains(lower, "input/output error") || strings.Contains(lower, "invalid argument") || strings.Contains(lower, "display")):
		return fmt.Errorf("%w: %v", domain.ErrNoShareableDisplay, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
}

type ffmpegStream struct {
	kind   domain.SourceKind
	format ports.Format

	stdout io.ReadCloser
	stderr *syncBuffer

	process *os.Process
	waitErr <-chan error

	queue *FrameQueue
	done  chan struct{}

	mu      sync.Mutex
	readErr error
	closing bool

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Kind() domain.SourceKind {
	return s.kind
}

func (s *ffmpegStream) Frames() <-chan ports.Frame {
	return s.queue.Frames()
}

func (s *ffmpegStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

func (s *ffmpegStream) readLoop(chunkBytes int) {
	defer close(s.done)
	defer s.queue.Close()

	frameWidth := s.format.Channels * s.format.Encoding.BytesPerSample()
	var (
		seq   uint64
		carry []byte
	)
	for {
		buf := make([]byte, len(carry)+chunkBytes)
		copy(buf, carry)
		n, err := s.stdout.Read(buf[len(carry):])
		n += len(carry)

		whole := n - n%frameWidth
		carry = append(carry[:0], buf[whole:n]...)
		if whole > 0 {
			seq++
			s.queue.Push(ports.Frame{
				Data:     buf[:whole],
				Format:   s.format,
				Seq:      seq,
				Captured: time.Now(),
			})
		}
		if err == nil {
			continue
		}
		s.mu.Lock()
		if !s.closing && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			s.readErr = fmt.Errorf("ffmpeg capture read failed: %w", err)
		}
		if !s.closing && s.readErr == nil {
			if detail := stringsTrimSpaceSafe(s.stderr.String()); detail != "" {
				s.readErr = fmt.Errorf("ffmpeg capture ended: %s", detail)
			}
		}
		s.mu.Unlock()
		return
	}
}

func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(ffmpegStopTimeout):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		// The process is gone; give readLoop a moment to reach EOF before closing the pipe.
		select {
		case <-s.done:
		case <-time.After(ffmpegStopTimeout):
		}
		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}
		<-s.done

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

// syncBuffer guards the stderr buffer written by exec's copier goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
