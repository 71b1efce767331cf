// Package notification fans lifecycle events out to per-subject channels.
//
// Every subject (buyer, partner, order or group id) owns a bounded backlog
// used for reconnect catch-up and a monotonic unread counter. Live
// subscriptions get a bounded queue; when it is full the oldest queued event
// is dropped so a publisher never waits on a slow reader.
package notification

import (
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/rs/zerolog/log"
)

// Options bounds the hub's buffers
type Options struct {
	BacklogSize int
	BacklogAge  time.Duration
	QueueSize   int
	Now         func() time.Time
}

type channel struct {
	backlog []models.NotificationEvent
	unread  uint64
	subs    map[uint64]*Subscription
}

// Hub owns every subject channel
type Hub struct {
	mu       sync.RWMutex
	seq      uint64
	nextSub  uint64
	channels map[string]*channel
	opts     Options
	metrics  *metrics.Metrics
}

// NewHub creates a hub. Zero options fall back to 50 events, 24h and a queue of 64.
func NewHub(opts Options, m *metrics.Metrics) *Hub {
	if opts.BacklogSize <= 0 {
		opts.BacklogSize = 50
	}
	if opts.BacklogAge <= 0 {
		opts.BacklogAge = 24 * time.Hour
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		channels: make(map[string]*channel),
		opts:     opts,
		metrics:  m,
	}
}

// Publish stamps evt with the next event id and appends it to every subject.
// Subjects are deduplicated and empty ones ignored.
func (h *Hub) Publish(evt models.NotificationEvent, subjects ...string) models.NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	evt.ID = h.seq
	evt.CreatedAt = h.opts.Now()

	seen := make(map[string]struct{}, len(subjects))
	for _, subject := range subjects {
		if subject == "" {
			continue
		}
		if _, dup := seen[subject]; dup {
			continue
		}
		seen[subject] = struct{}{}

		ch := h.channelLocked(subject)
		ch.backlog = append(ch.backlog, evt)
		h.trimLocked(ch, evt.CreatedAt)
		ch.unread++

		for _, sub := range ch.subs {
			sub.offer(evt, h.metrics)
		}
		h.metrics.IncrementCounter(metrics.NotificationsSent)
	}

	log.Debug().
		Uint64("event_id", evt.ID).
		Str("kind", string(evt.Kind)).
		Int("subjects", len(seen)).
		Msg("Notification published")
	return evt
}

// Subscribe opens a live subscription on subject
func (h *Hub) Subscribe(subject string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(subject)
}

// Resume returns the backlog after sinceID and a live subscription with no
// gap between the two.
func (h *Hub) Resume(subject string, sinceID uint64) (*Subscription, []models.NotificationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	backlog := h.catchUpLocked(subject, sinceID)
	return h.subscribeLocked(subject), backlog
}

// CatchUp returns the buffered events for subject newer than sinceID
func (h *Hub) CatchUp(subject string, sinceID uint64) []models.NotificationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.catchUpLocked(subject, sinceID)
}

// Unread returns the number of events published to subject since the last MarkRead
func (h *Hub) Unread(subject string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ch, ok := h.channels[subject]; ok {
		return ch.unread
	}
	return 0
}

// MarkRead resets the unread counter and returns its previous value
func (h *Hub) MarkRead(subject string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[subject]
	if !ok {
		return 0
	}
	prev := ch.unread
	ch.unread = 0
	return prev
}

// Prune drops aged events and forgets idle channels. It returns the number of
// events removed.
func (h *Hub) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.opts.Now()
	removed := 0
	for subject, ch := range h.channels {
		before := len(ch.backlog)
		h.trimLocked(ch, now)
		removed += before - len(ch.backlog)
		if len(ch.backlog) == 0 && len(ch.subs) == 0 && ch.unread == 0 {
			delete(h.channels, subject)
		}
	}
	return removed
}

// LastEventID returns the id of the most recently published event
func (h *Hub) LastEventID() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func (h *Hub) channelLocked(subject string) *channel {
	ch, ok := h.channels[subject]
	if !ok {
		ch = &channel{subs: make(map[uint64]*Subscription)}
		h.channels[subject] = ch
	}
	return ch
}

func (h *Hub) subscribeLocked(subject string) *Subscription {
	h.nextSub++
	sub := &Subscription{
		id:      h.nextSub,
		subject: subject,
		events:  make(chan models.NotificationEvent, h.opts.QueueSize),
		hub:     h,
	}
	h.channelLocked(subject).subs[sub.id] = sub
	h.metrics.AddGauge(metrics.ActiveSubscriptions, 1)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[sub.subject]; ok {
		if _, live := ch.subs[sub.id]; live {
			delete(ch.subs, sub.id)
			close(sub.events)
			h.metrics.AddGauge(metrics.ActiveSubscriptions, -1)
		}
	}
}

func (h *Hub) catchUpLocked(subject string, sinceID uint64) []models.NotificationEvent {
	ch, ok := h.channels[subject]
	if !ok {
		return nil
	}
	cutoff := h.opts.Now().Add(-h.opts.BacklogAge)
	var out []models.NotificationEvent
	for _, evt := range ch.backlog {
		if evt.ID > sinceID && !evt.CreatedAt.Before(cutoff) {
			out = append(out, evt)
		}
	}
	return out
}

func (h *Hub) trimLocked(ch *channel, now time.Time) {
	cutoff := now.Add(-h.opts.BacklogAge)
	start := 0
	for start < len(ch.backlog) && ch.backlog[start].CreatedAt.Before(cutoff) {
		start++
	}
	if over := len(ch.backlog) - start - h.opts.BacklogSize; over > 0 {
		start += over
	}
	if start > 0 {
		ch.backlog = append([]models.NotificationEvent(nil), ch.backlog[start:]...)
	}
}

// Subscription is a live feed of one subject
type Subscription struct {
	id      uint64
	subject string
	events  chan models.NotificationEvent
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// Events is closed when the subscription is closed
func (s *Subscription) Events() <-chan models.NotificationEvent {
	return s.events
}

// Subject returns the subscribed subject id
func (s *Subscription) Subject() string {
	return s.subject
}

// Dropped counts events discarded because the queue was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the hub
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// offer never blocks. Callers hold the hub lock, so the only competing
// goroutine is the reader.
func (s *Subscription) offer(evt models.NotificationEvent, m *metrics.Metrics) {
	for {
		select {
		case s.events <- evt:
			return
		default:
		}
		select {
		case old := <-s.events:
			s.dropped.Add(1)
			m.IncrementCounter(metrics.NotificationsDropped)
			log.Warn().
				Str("subject", s.subject).
				Uint64("event_id", old.ID).
				Msg("Subscriber queue full, dropping oldest event")
		default:
		}
	}
}
