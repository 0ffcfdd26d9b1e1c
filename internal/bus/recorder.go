package bus

import "sync"

// Message is a queue/body pair captured by a Recorder.
type Message struct {
	Queue string
	Body  string
}

// Recorder is a synchronous Publisher that keeps every message in publish
// order across all queues. It backs Notifier in tests and in the one-shot CLI
// commands where nothing consumes the queues.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Publish records the message.
func (r *Recorder) Publish(queue, body string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, Message{Queue: queue, Body: body})
	r.mu.Unlock()
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// On returns the bodies recorded on one queue.
func (r *Recorder) On(queue string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Queue == queue {
			out = append(out, m.Body)
		}
	}
	return out
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
