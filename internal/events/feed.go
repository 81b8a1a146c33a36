package events

import "sync"

// Signal is the in-process view of a committed event, delivered to background
// observers such as the peripheral dispatcher. Delivery is best effort: the
// control path never blocks on a slow subscriber.
type Signal struct {
	Type         string
	UnitID       string
	StageID      int64
	StageName    string
	OperatorID   string
	CredentialID string
	Payload      EventPayload
}

// Signal types emitted by the engine.
const (
	SignalSessionOpened = "session.opened"
	SignalSessionClosed = "session.closed"
	SignalUnitCreated   = "unit.created"
	SignalStageOpened   = "stage.opened"
	SignalStageClosed   = "stage.closed"
	SignalUnitCompleted = "unit.completed"
)

const subscriberBuffer = 64

// Feed fans committed events out to subscribers.
type Feed struct {
	mu   sync.Mutex
	subs []chan Signal
}

func NewFeed() *Feed {
	return &Feed{}
}

// Subscribe returns a buffered channel of signals. Signals are dropped when
// the buffer is full rather than blocking the publisher.
func (f *Feed) Subscribe() <-chan Signal {
	ch := make(chan Signal, subscriberBuffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *Feed) Publish(sig Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}
