package events

import (
	"sync"
	"sync/atomic"

	"stv/longvideo/internal/model"
)

// Subscription is one live stream of a task's events.
type Subscription struct {
	TaskID string

	ch      chan model.TaskEvent
	types   map[model.TaskEventType]bool
	lagged  chan struct{}
	dropped atomic.Int64
	closed  bool
}

// Events delivers matching events in publish order. It is closed on unsubscribe.
func (s *Subscription) Events() <-chan model.TaskEvent { return s.ch }

// Lagged fires after at least one event was dropped on a full buffer. The
// stream should then reload what it missed from the event log.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// TakeDropped returns the number of events dropped since the last call.
func (s *Subscription) TakeDropped() int64 { return s.dropped.Swap(0) }

// Wants reports whether the subscription follows events of type t.
func (s *Subscription) Wants(t model.TaskEventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Hub fans task events out to live subscribers. Publishing never blocks: a slow
// subscriber loses events and is told so through Lagged.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*Subscription]struct{}{}}
}

// Subscribe follows one task. With types given only those event types are delivered.
func (h *Hub) Subscribe(taskID string, buf int, types ...model.TaskEventType) (*Subscription, func()) {
	if buf < 1 {
		buf = 1
	}
	sub := &Subscription{
		TaskID: taskID,
		ch:     make(chan model.TaskEvent, buf),
		lagged: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.types = make(map[model.TaskEventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = map[*Subscription]struct{}{}
	}
	h.subs[taskID][sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	taskSubs := h.subs[sub.TaskID]
	delete(taskSubs, sub)
	if len(taskSubs) == 0 {
		delete(h.subs, sub.TaskID)
	}
	close(sub.ch)
}

func (h *Hub) Publish(taskID string, evt model.TaskEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[taskID] {
		if !sub.Wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers reports how many streams follow a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}
