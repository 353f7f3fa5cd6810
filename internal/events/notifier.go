// Package events implements the session-scoped event notifier (C2):
// per-session fan-out of job progress events to subscribers. Grounded
// directly on the teacher's internal/bus.Bus — same non-blocking-send,
// dropped-event-counter, exponential-threshold drop-warning idiom — reused
// here as one process-wide Notifier with session-prefixed topics instead
// of per-session Bus instances, extended with a monotonic per-(session,job)
// sequence counter and a backpressure marker event.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind classifies an event (§4.2).
type Kind string

const (
	KindProgress     Kind = "progress"
	KindStatus       Kind = "status"
	KindLog          Kind = "log"
	KindTerminal     Kind = "terminal"
	KindBackpressure Kind = "backpressure"
)

// Event is one notification delivered to subscribers of a session.
type Event struct {
	SessionID string
	JobID     string
	Kind      Kind
	Payload   any
	Seq       uint64
}

// defaultBufferSize is the per-subscriber high-watermark (§4.2 default 64).
const defaultBufferSize = 64

// Subscription is a live, session-scoped event stream.
type Subscription struct {
	id        int
	sessionID string
	ch        chan Event
	notifier  *Notifier
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Notifier is the process-wide event bus for decomposition sessions.
type Notifier struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	// seqBySessionJob holds the next sequence number for each (sessionID,jobID) pair.
	seqMu    sync.Mutex
	seqs     map[string]uint64
	nextSubID int

	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a Notifier. A nil logger disables drop-threshold warnings.
func New(logger *slog.Logger) *Notifier {
	return &Notifier{
		subs:   make(map[int]*Subscription),
		seqs:   make(map[string]uint64),
		logger: logger,
	}
}

// Subscribe opens a bounded event stream for one session.
func (n *Notifier) Subscribe(sessionID string) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextSubID++
	sub := &Subscription{
		id:        n.nextSubID,
		sessionID: sessionID,
		ch:        make(chan Event, defaultBufferSize),
		notifier:  n,
	}
	n.subs[sub.id] = sub
	return sub
}

// Unsubscribe closes a subscription's channel and stops further delivery.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[sub.id]; ok {
		delete(n.subs, sub.id)
		close(sub.ch)
	}
}

// nextSeq returns the next monotonic sequence number for (sessionID, jobID).
func (n *Notifier) nextSeq(sessionID, jobID string) uint64 {
	n.seqMu.Lock()
	defer n.seqMu.Unlock()
	key := sessionID + "\x00" + jobID
	n.seqs[key]++
	return n.seqs[key]
}

// Publish delivers an event to every subscriber of sessionID, in publish
// order for that (sessionID, jobID) pair (§4.2 ordering guarantee).
// Non-terminal events are dropped from a full buffer to make room for new
// ones, replaced by a KindBackpressure marker; terminal events are never
// dropped.
func (n *Notifier) Publish(sessionID, jobID string, kind Kind, payload any) {
	ev := Event{
		SessionID: sessionID,
		JobID:     jobID,
		Kind:      kind,
		Payload:   payload,
		Seq:       n.nextSeq(sessionID, jobID),
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if sub.sessionID != sessionID {
			continue
		}
		n.deliver(sub, ev)
	}
}

func (n *Notifier) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	if ev.Kind == KindTerminal {
		// Terminal events are never dropped: make room by evicting the
		// oldest queued event, which by construction cannot itself be
		// terminal (a terminal event ends the session's event stream).
		select {
		case <-sub.ch:
			n.recordDrop(ev.SessionID)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer refilled concurrently; give up rather than block the publisher.
			n.recordDrop(ev.SessionID)
		}
		return
	}

	// Non-terminal: evict the oldest event and insert a backpressure marker
	// in its place, then attempt the new event.
	select {
	case <-sub.ch:
	default:
	}
	n.recordDrop(ev.SessionID)

	marker := Event{SessionID: ev.SessionID, JobID: ev.JobID, Kind: KindBackpressure, Seq: ev.Seq}
	select {
	case sub.ch <- marker:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		n.recordDrop(ev.SessionID)
	}
}

func (n *Notifier) recordDrop(sessionID string) {
	newCount := n.droppedEvents.Add(1)
	n.maybeLogDropWarning(newCount, sessionID)
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (n *Notifier) DroppedEventCount() int64 { return n.droppedEvents.Load() }

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (n *Notifier) maybeLogDropWarning(newCount int64, sessionID string) {
	if n.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := n.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if n.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		n.logger.Warn("notifier_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("session_id", sessionID),
		)
	}
}
