package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one progress notification from a running agent.
type Event struct {
	RunID   uuid.UUID `json:"run_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const subscriberBuffer = 16

// Broker fans progress events out to transport-layer subscribers over
// bounded channels. Publishing never blocks the work function: a subscriber
// that cannot keep up loses events. Channel closure signals run completion.
type Broker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

// Subscribe returns a channel of progress events for the run and a cancel
// function the subscriber must call when done.
func (b *Broker) Subscribe(runID uuid.UUID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[runID]; ok {
				if _, live := set[ch]; live {
					delete(set, ch)
					close(ch)
					if len(set) == 0 {
						delete(b.subs, runID)
					}
				}
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber of the run, dropping for slow ones.
func (b *Broker) Publish(runID uuid.UUID, msg string) {
	ev := Event{RunID: runID, Message: msg, At: time.Now().UTC()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the run's stream: all subscriber channels are closed.
func (b *Broker) Close(runID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		close(ch)
	}
	delete(b.subs, runID)
}
