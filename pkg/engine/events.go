package engine

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EnvelopeVersion is the v field of every stream event.
const EnvelopeVersion = 1

const subscriberBuffer = 256

// Event is the envelope delivered to turn stream subscribers.
type Event struct {
	V       int             `json:"v"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Context EventContext    `json:"context"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type EventContext struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// NewEvent builds an envelope. Params are marshalled immediately so the
// event never aliases engine state.
func NewEvent(seq int64, ts time.Time, threadID, turnID, method string, params interface{}) (Event, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Event{}, err
	}
	return Event{
		V:       EnvelopeVersion,
		Seq:     seq,
		TS:      ts.UTC(),
		Context: EventContext{ThreadID: threadID, TurnID: turnID},
		Method:  method,
		Params:  raw,
	}, nil
}

// Subscription is a live feed of one turn's events.
type Subscription struct {
	// State is the turn as of Seq; Events carries everything after it.
	State  TurnState
	Seq    int64
	Events <-chan Event

	close func()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// broker fans events out to per-turn subscriber sets and numbers them. A
// turn's set is dropped as soon as its last subscriber leaves, and its
// counter once the turn has ended and nobody is watching.
type broker struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	seq   map[string]int64
	subs  map[string]map[*subscriber]struct{}
	ended map[string]bool
}

func newBroker(log *zap.SugaredLogger) *broker {
	return &broker{
		log:   log,
		seq:   make(map[string]int64),
		subs:  make(map[string]map[*subscriber]struct{}),
		ended: make(map[string]bool),
	}
}

// publish numbers and delivers one event. A subscriber that cannot keep up
// is closed and removed instead of stalling the engine.
func (b *broker) publish(ts time.Time, threadID, turnID, method string, params interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[turnID]++
	ev, err := NewEvent(b.seq[turnID], ts, threadID, turnID, method, params)
	if err != nil {
		b.log.Errorw("failed to encode turn event", "turn_id", turnID, "method", method, "error", err)
		return
	}
	for sub := range b.subs[turnID] {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warnw("dropping slow turn subscriber", "turn_id", turnID, "seq", ev.Seq)
			b.removeLocked(turnID, sub)
		}
	}
}

// release marks a turn as finished. Its counter goes now, or when its last
// subscriber leaves.
func (b *broker) release(turnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs[turnID]) == 0 {
		delete(b.seq, turnID)
		return
	}
	b.ended[turnID] = true
}

func (b *broker) subscribe(turnID string) (*subscriber, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	set, ok := b.subs[turnID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[turnID] = set
	}
	set[sub] = struct{}{}
	return sub, b.seq[turnID]
}

func (b *broker) unsubscribe(turnID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(turnID, sub)
}

func (b *broker) removeLocked(turnID string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	set := b.subs[turnID]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, turnID)
		if b.ended[turnID] {
			delete(b.ended, turnID)
			delete(b.seq, turnID)
		}
	}
}

// counters reports how many turns still hold a sequence counter.
func (b *broker) counters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seq)
}

// subscriberCount reports how many subscribers a turn has.
func (b *broker) subscriberCount(turnID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[turnID])
}

// hasSubscriberSet reports whether a set exists for the turn at all.
func (b *broker) hasSubscriberSet(turnID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[turnID]
	return ok
}
