// Package index keeps the group and buyer lookups used to fan out group
// resolutions and notifications. It is rebuilt from committed order snapshots
// and is allowed to lag behind them.
package index

import (
	"sort"
	"sync"

	"example.com/backstage/services/orders/internal/models"
)

type entry struct {
	buyerID string
	groups  []string
	pending []string
}

// Index maps groups and buyers to open orders
type Index struct {
	mu      sync.RWMutex
	orders  map[string]entry
	byGroup map[string]map[string]struct{}
	pending map[string]map[string]struct{}
	byBuyer map[string]map[string]struct{}
}

// New creates an empty index
func New() *Index {
	return &Index{
		orders:  make(map[string]entry),
		byGroup: make(map[string]map[string]struct{}),
		pending: make(map[string]map[string]struct{}),
		byBuyer: make(map[string]map[string]struct{}),
	}
}

// Observe records the current state of an order, replacing what was known
// about it. Terminal orders are dropped.
func (x *Index) Observe(o *models.Order) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(o.TrackID)
	if o.DeriveStatus().IsTerminal() {
		return
	}

	e := entry{buyerID: o.BuyerID, groups: o.GroupIDs()}
	for _, gid := range e.groups {
		if o.HasPendingGroup(gid) {
			e.pending = append(e.pending, gid)
		}
	}

	x.orders[o.TrackID] = e
	add(x.byBuyer, e.buyerID, o.TrackID)
	for _, gid := range e.groups {
		add(x.byGroup, gid, o.TrackID)
	}
	for _, gid := range e.pending {
		add(x.pending, gid, o.TrackID)
	}
}

// Remove forgets an order
func (x *Index) Remove(trackID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(trackID)
}

// Rebuild replaces the whole index with the given orders
func (x *Index) Rebuild(orders []*models.Order) {
	x.mu.Lock()
	x.orders = make(map[string]entry)
	x.byGroup = make(map[string]map[string]struct{})
	x.pending = make(map[string]map[string]struct{})
	x.byBuyer = make(map[string]map[string]struct{})
	x.mu.Unlock()

	for _, o := range orders {
		x.Observe(o)
	}
}

// OrdersForGroup lists the open orders referencing groupID
func (x *Index) OrdersForGroup(groupID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.byGroup[groupID])
}

// BuyersForGroup lists the buyers holding open orders in groupID
func (x *Index) BuyersForGroup(groupID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	buyers := make(map[string]struct{})
	for trackID := range x.byGroup[groupID] {
		buyers[x.orders[trackID].buyerID] = struct{}{}
	}
	return keys(buyers)
}

// PendingGroups lists groups that still gate at least one item
func (x *Index) PendingGroups() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	groups := make([]string, 0, len(x.pending))
	for gid := range x.pending {
		groups = append(groups, gid)
	}
	sort.Strings(groups)
	return groups
}

// OrdersForBuyer lists the open orders of a buyer
func (x *Index) OrdersForBuyer(buyerID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.byBuyer[buyerID])
}

// Len returns the number of open orders tracked
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.orders)
}

func (x *Index) removeLocked(trackID string) {
	e, ok := x.orders[trackID]
	if !ok {
		return
	}
	delete(x.orders, trackID)
	del(x.byBuyer, e.buyerID, trackID)
	for _, gid := range e.groups {
		del(x.byGroup, gid, trackID)
	}
	for _, gid := range e.pending {
		del(x.pending, gid, trackID)
	}
}

func add(m map[string]map[string]struct{}, key, trackID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[trackID] = struct{}{}
}

func del(m map[string]map[string]struct{}, key, trackID string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, trackID)
	if len(set) == 0 {
		delete(m, key)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
