package stream

import (
	"sync"
	"time"

	"github.com/newthinker/tradesim/internal/backtest"
)

// Event types
const (
	EventTrade    = "trade"
	EventProgress = "progress"
	EventDone     = "done"
)

// subscriberBuffer is how many events a slow subscriber may lag before
// events are dropped for it.
const subscriberBuffer = 256

// Event is one message on a job's stream
type Event struct {
	Type  string    `json:"type"`
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// TradeData is the payload of a trade event
type TradeData struct {
	Event backtest.TradeEvent `json:"event"`
	Trade backtest.Trade      `json:"trade"`
}

// ProgressData is the payload of a progress event
type ProgressData struct {
	backtest.Progress
	Percent int `json:"percent"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans job events out to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses events.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed map[string]bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		closed: make(map[string]bool),
	}
}

// Subscribe registers for events of jobID. The channel is closed when the
// job's stream ends or cancel is called.
func (h *Hub) Subscribe(jobID string) (events <-chan Event, cancel func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed[jobID] {
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.remove(jobID, sub) })
	}
}

func (h *Hub) remove(jobID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; ok {
		delete(subs, sub)
		close(sub.ch)
	}
	if len(subs) == 0 {
		delete(h.subs, jobID)
	}
}

// Publish delivers ev to every subscriber of ev.JobID
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close ends the stream of jobID. Later subscribers get a closed channel.
func (h *Hub) Close(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[jobID] {
		close(sub.ch)
	}
	delete(h.subs, jobID)
	h.closed[jobID] = true
}

// Forget drops the closed marker of a purged job
func (h *Hub) Forget(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.closed, jobID)
}

// Subscribers counts the live subscribers of jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Listener adapts the hub into simulator trade and progress listeners for one job
type Listener struct {
	hub   *Hub
	jobID string
}

// Listener returns simulator listeners publishing into jobID's stream
func (h *Hub) Listener(jobID string) *Listener {
	return &Listener{hub: h, jobID: jobID}
}

func (l *Listener) OnTrade(t backtest.Trade, event backtest.TradeEvent) {
	l.hub.Publish(Event{Type: EventTrade, JobID: l.jobID, Data: TradeData{Event: event, Trade: t}})
}

func (l *Listener) OnProgress(p backtest.Progress) {
	l.hub.Publish(Event{Type: EventProgress, JobID: l.jobID, Data: ProgressData{Progress: p, Percent: p.Percent()}})
}
