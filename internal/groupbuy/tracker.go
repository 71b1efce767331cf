package groupbuy

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// MembershipClient reads group state from the membership service
type MembershipClient interface {
	GetGroupStatus(ctx context.Context, groupID string) (*models.GroupBuy, error)
}

// SharedCache is an optional second-level cache shared between processes
type SharedCache interface {
	GetGroup(ctx context.Context, groupID string) (*models.GroupBuy, time.Time, error)
	SetGroup(ctx context.Context, group *models.GroupBuy, fetchedAt time.Time) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// Listener is told once per group when its resolution becomes terminal
type Listener func(ctx context.Context, res models.GroupResolution)

// Options configures a Tracker
type Options struct {
	Freshness time.Duration
	Grace     time.Duration
	Now       func() time.Time
}

type cached struct {
	group     models.GroupBuy
	fetchedAt time.Time
	stale     bool
	notified  bool
}

// Tracker answers whether a group-buy reached its threshold
type Tracker struct {
	client  MembershipClient
	shared  SharedCache
	opts    Options
	metrics *metrics.Metrics

	flight singleflight.Group

	mu        sync.Mutex
	entries   map[string]*cached
	listeners []Listener
}

// NewTracker creates a tracker. shared may be nil.
func NewTracker(client MembershipClient, shared SharedCache, opts Options, m *metrics.Metrics) *Tracker {
	if opts.Freshness <= 0 {
		opts.Freshness = 30 * time.Second
	}
	if opts.Grace < opts.Freshness {
		opts.Grace = opts.Freshness
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		client:  client,
		shared:  shared,
		opts:    opts,
		metrics: m,
		entries: make(map[string]*cached),
	}
}

// OnResolved registers a listener for terminal resolutions
func (t *Tracker) OnResolved(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Invalidate marks the cached entry stale so the next Resolve re-fetches
func (t *Tracker) Invalidate(ctx context.Context, groupID string) {
	t.mu.Lock()
	if e, ok := t.entries[groupID]; ok {
		e.stale = true
	}
	t.mu.Unlock()

	if t.shared != nil {
		if err := t.shared.DeleteGroup(ctx, groupID); err != nil {
			log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to drop shared group cache entry")
		}
	}
}

// Resolve reports the group's state, fetching it when the cache is too old
func (t *Tracker) Resolve(ctx context.Context, groupID string) (models.GroupResolution, error) {
	now := t.opts.Now()

	t.mu.Lock()
	e, ok := t.entries[groupID]
	if ok && t.usable(e, now) {
		res := resolution(e.group, e.fetchedAt, now, false)
		t.mu.Unlock()
		t.metrics.IncrementCounter(metrics.GroupCacheHits)
		t.notify(ctx, res)
		return res, nil
	}
	t.mu.Unlock()

	// the shared fetch must not die with whichever caller started it
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := t.flight.Do(groupID, func() (interface{}, error) {
		return t.fetch(fetchCtx, groupID)
	})
	if err != nil {
		return t.fallback(groupID, err)
	}

	f := v.(fetched)
	res := resolution(f.group, f.fetchedAt, t.opts.Now(), false)
	t.notify(ctx, res)
	return res, nil
}

// Cached returns the last known resolution without fetching
func (t *Tracker) Cached(groupID string) (models.GroupResolution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[groupID]
	if !ok {
		return models.GroupResolution{}, false
	}
	return resolution(e.group, e.fetchedAt, t.opts.Now(), e.stale), true
}

// usable: groups the membership service reports terminal never change. A
// pending entry, expired or not, is only trusted while fresh.
func (t *Tracker) usable(e *cached, now time.Time) bool {
	if e.group.Status.IsTerminal() {
		return true
	}
	return !e.stale && now.Sub(e.fetchedAt) < t.opts.Freshness
}

type fetched struct {
	group     models.GroupBuy
	fetchedAt time.Time
}

func (t *Tracker) fetch(ctx context.Context, groupID string) (fetched, error) {
	if t.shared != nil && !t.isStale(groupID) {
		group, fetchedAt, err := t.shared.GetGroup(ctx, groupID)
		if err == nil && group != nil && t.opts.Now().Sub(fetchedAt) < t.opts.Freshness {
			t.store(*group, fetchedAt)
			return fetched{group: *group, fetchedAt: fetchedAt}, nil
		}
	}

	start := time.Now()
	t.metrics.IncrementCounter(metrics.GroupFetches)
	group, err := t.client.GetGroupStatus(ctx, groupID)
	t.metrics.MeasureSince("group_fetch", start)
	if err != nil {
		t.metrics.IncrementCounter(metrics.GroupFetchErrors)
		return fetched{}, errors.Wrapf(err, "failed to fetch group %s", groupID)
	}
	if group.GroupID == "" {
		group.GroupID = groupID
	}

	fetchedAt := t.opts.Now()
	t.store(*group, fetchedAt)

	if t.shared != nil {
		if err := t.shared.SetGroup(ctx, group, fetchedAt); err != nil {
			log.Warn().Err(err).Str("group_id", groupID).Msg("Failed to write shared group cache")
		}
	}
	return fetched{group: *group, fetchedAt: fetchedAt}, nil
}

func (t *Tracker) isStale(groupID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[groupID]
	return ok && e.stale
}

func (t *Tracker) store(group models.GroupBuy, fetchedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[group.GroupID]
	if !ok {
		e = &cached{}
		t.entries[group.GroupID] = e
	}
	e.group = group
	e.fetchedAt = fetchedAt
	e.stale = false
}

// fallback serves the last known value inside the grace window
func (t *Tracker) fallback(groupID string, cause error) (models.GroupResolution, error) {
	now := t.opts.Now()

	t.mu.Lock()
	e, ok := t.entries[groupID]
	var res models.GroupResolution
	if ok && now.Sub(e.fetchedAt) <= t.opts.Grace {
		res = resolution(e.group, e.fetchedAt, now, true)
	}
	t.mu.Unlock()

	if ok && res.GroupID != "" {
		log.Warn().Err(cause).Str("group_id", groupID).Msg("Serving cached group status inside grace window")
		return res, nil
	}

	log.Error().Err(cause).Str("group_id", groupID).Msg("Group status unavailable")
	return models.GroupResolution{}, apperrors.Newf(apperrors.ErrGroupFetchUnavailable, "group %s: %v", groupID, cause)
}

// notify calls the listeners the first time a group is seen terminal
func (t *Tracker) notify(ctx context.Context, res models.GroupResolution) {
	if !res.Status.IsTerminal() {
		return
	}

	t.mu.Lock()
	e, ok := t.entries[res.GroupID]
	if !ok || e.notified {
		t.mu.Unlock()
		return
	}
	e.notified = true
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	t.metrics.IncrementCounter(metrics.GroupResolutions)
	log.Info().
		Str("group_id", res.GroupID).
		Str("status", string(res.Status)).
		Msg("Group resolved")

	for _, l := range listeners {
		l(ctx, res)
	}
}

// resolution applies lazy expiry. It is the only state the tracker derives itself.
func resolution(g models.GroupBuy, fetchedAt, now time.Time, stale bool) models.GroupResolution {
	status := g.Status
	if status == models.GroupPending && !g.Expiry.IsZero() && now.After(g.Expiry) {
		status = models.GroupExpired
	}

	remaining := 0
	if status == models.GroupPending {
		remaining = g.RequiredMemberCount - g.CurrentMemberCount
		if remaining < 0 {
			remaining = 0
		}
	}

	return models.GroupResolution{
		GroupID:          g.GroupID,
		Status:           status,
		RemainingMembers: remaining,
		Expiry:           g.Expiry,
		FetchedAt:        fetchedAt,
		Stale:            stale,
	}
}
