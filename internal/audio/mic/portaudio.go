// Package mic captures microphone input through PortAudio.
package mic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"meetscribe/internal/audio"
	"meetscribe/internal/domain"
	"meetscribe/internal/ports"
)

const maxCaptureChannels = 2

// Source opens PortAudio input devices. Each open stream holds its own
// Initialize/Terminate pair.
type Source struct {
	queueFrames int
	onDrop      func()
}

func NewSource(queueFrames int, onDrop func()) *Source {
	return &Source{queueFrames: queueFrames, onDrop: onDrop}
}

func (s *Source) Kind() domain.SourceKind {
	return domain.SourceMicrophone
}

func (s *Source) Devices(context.Context) ([]domain.Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	def, _ := portaudio.DefaultInputDevice()

	devices := make([]domain.Device, 0, len(infos))
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		devices = append(devices, domain.Device{
			ID:                deviceID(info),
			Name:              info.Name,
			Kind:              domain.SourceMicrophone,
			Channels:          info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefault:         def != nil && deviceID(def) == deviceID(info),
		})
	}
	return devices, nil
}

func (s *Source) Open(_ context.Context, req ports.OpenRequest) (ports.CaptureStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	info, err := findInput(req.DeviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	channels := info.MaxInputChannels
	if channels > maxCaptureChannels {
		channels = maxCaptureChannels
	}
	format := ports.Format{
		SampleRate: int(info.DefaultSampleRate),
		Channels:   channels,
		Encoding:   ports.EncodingF32LE,
	}
	framesPerBuffer := req.ChunkSize
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	framesPerBuffer = framesPerBuffer * format.SampleRate / domain.CanonicalSampleRate

	stream := &captureStream{
		queue:  audio.NewFrameQueue(s.queueFrames, s.onDrop),
		format: format,
	}

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = channels
	params.SampleRate = info.DefaultSampleRate
	params.FramesPerBuffer = framesPerBuffer

	pa, err := portaudio.OpenStream(params, stream.callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDeviceUnavailable, info.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrDeviceUnavailable, info.Name, err)
	}
	stream.pa = pa
	return stream, nil
}

func findInput(id string) (*portaudio.DeviceInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input: %v", domain.ErrDeviceUnavailable, err)
		}
		return info, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		if deviceID(info) == id || info.Name == id {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrDeviceUnavailable, id)
}

func deviceID(info *portaudio.DeviceInfo) string {
	if info.HostApi == nil {
		return info.Name
	}
	return info.HostApi.Name + ":" + info.Name
}

type captureStream struct {
	pa     *portaudio.Stream
	queue  *audio.FrameQueue
	format ports.Format
	seq    uint64

	closeOnce sync.Once
	closeErr  error
}

// callback runs on the PortAudio thread; it copies and hands off without blocking.
func (s *captureStream) callback(in []float32) {
	s.seq++
	s.queue.Push(ports.Frame{
		Data:     audio.Float32ToBytes(in),
		Format:   s.format,
		Seq:      s.seq,
		Captured: time.Now(),
	})
}

func (s *captureStream) Kind() domain.SourceKind {
	return domain.SourceMicrophone
}

func (s *captureStream) Frames() <-chan ports.Frame {
	return s.queue.Frames()
}

func (s *captureStream) Err() error {
	return nil
}

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pa.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.pa.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		portaudio.Terminate()
		s.queue.Close()
	})
	return s.closeErr
}
