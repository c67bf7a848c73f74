package usecase

import "errors"

var errActorStopped = errors.New("session controller is closed")

// actor serializes every mutation of controller state onto one goroutine. Capture and
// network activities reach it only by posting closures.
type actor struct {
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
}

func newActor(buffer int) *actor {
	a := &actor{
		mailbox: make(chan func(), buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

// post queues fn without waiting for it. It reports false once the actor has stopped.
func (a *actor) post(fn func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.mailbox <- fn:
		return true
	case <-a.quit:
		return false
	}
}

// do runs fn on the actor and waits for it to return.
func (a *actor) do(fn func()) error {
	finished := make(chan struct{})
	if !a.post(func() {
		defer close(finished)
		fn()
	}) {
		return errActorStopped
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		return errActorStopped
	}
}

func (a *actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.done
}
