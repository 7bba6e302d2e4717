package dispatch

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher. It keeps every accepted message in
// publish order and can be told to fail.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	failAll  error
	failOn   map[string]error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{failOn: make(map[string]error)}
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAll != nil {
		return r.failAll
	}
	if err, ok := r.failOn[msg.Queue]; ok {
		return err
	}

	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	r.messages = append(r.messages, Message{Queue: msg.Queue, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Reset forgets recorded messages and configured failures.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = nil
	r.failAll = nil
	r.failOn = make(map[string]error)
}

// FailWith makes every publish return err. Pass nil to clear.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = err
}

// FailQueue makes publishes to queue return err. Pass nil to clear.
func (r *Recorder) FailQueue(queue string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failOn, queue)
		return
	}
	r.failOn[queue] = err
}
