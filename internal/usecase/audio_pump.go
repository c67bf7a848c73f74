package usecase

import (
	"time"

	"meetscribe/internal/metrics"
	"meetscribe/internal/ports"
)

// forwardAudio relays mixed chunks to the backend until audio ends or stop closes. It is
// the only caller of SendAudio and CloseSend for its stream.
func forwardAudio(
	audio <-chan []byte,
	stream ports.StreamingSession,
	stop <-chan struct{},
	m *metrics.Metrics,
	onError func(error),
	done chan struct{},
) {
	defer close(done)

	for {
		select {
		case <-stop:
			_ = stream.CloseSend()
			return
		case chunk, ok := <-audio:
			if !ok {
				_ = stream.CloseSend()
				return
			}
			if len(chunk) == 0 {
				continue
			}
			if err := stream.SendAudio(chunk); err != nil {
				onError(err)
				return
			}
			m.RecordAudioSent(len(chunk))
		}
	}
}

func waitForStream(session ports.StreamingSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
