package querystore

import (
	"context"
	"sort"
	"sync"

	"querydesk/api/internal/query"
)

// cache is the process-local mirror of the durable store. It holds clones
// only, so callers can never mutate a cached group in place.
type cache struct {
	mu     sync.RWMutex
	groups map[int64]query.QueryGroup
	items  map[string]int64
	// dirty holds groups written while the durable store was unreachable.
	dirty map[int64]struct{}
}

func newCache() *cache {
	return &cache{
		groups: map[int64]query.QueryGroup{},
		items:  map[string]int64{},
		dirty:  map[int64]struct{}{},
	}
}

func (c *cache) put(group query.QueryGroup, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(group)
	if dirty {
		c.dirty[group.GroupID] = struct{}{}
	} else {
		delete(c.dirty, group.GroupID)
	}
}

// putAll loads durable rows. Dirty entries are kept until they are flushed.
func (c *cache) putAll(groups []query.QueryGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, group := range groups {
		if _, dirty := c.dirty[group.GroupID]; dirty {
			continue
		}
		c.putLocked(group)
	}
}

// dropDirty removes a group that only the cache holds.
func (c *cache) dropDirty(groupID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.dirty[groupID]; !ok {
		return
	}
	if previous, ok := c.groups[groupID]; ok {
		for _, item := range previous.Items {
			if c.items[item.ID] == groupID {
				delete(c.items, item.ID)
			}
		}
	}
	delete(c.groups, groupID)
	delete(c.dirty, groupID)
}

func (c *cache) putLocked(group query.QueryGroup) {
	if previous, ok := c.groups[group.GroupID]; ok {
		for _, item := range previous.Items {
			if c.items[item.ID] == group.GroupID {
				delete(c.items, item.ID)
			}
		}
	}
	c.groups[group.GroupID] = group.Clone()
	for _, item := range group.Items {
		c.items[item.ID] = group.GroupID
	}
}

func (c *cache) get(groupID int64) (query.QueryGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.groups[groupID]
	if !ok {
		return query.QueryGroup{}, false
	}
	return group.Clone(), true
}

func (c *cache) byItem(itemID string) (query.QueryGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	groupID, ok := c.items[itemID]
	if !ok {
		return query.QueryGroup{}, false
	}
	group, ok := c.groups[groupID]
	if !ok {
		return query.QueryGroup{}, false
	}
	return group.Clone(), true
}

func (c *cache) list(match func(query.QueryGroup) bool) []query.QueryGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]query.QueryGroup, 0, len(c.groups))
	for _, group := range c.groups {
		if match == nil || match(group) {
			out = append(out, group.Clone())
		}
	}
	sortGroups(out)
	return out
}

func (c *cache) dirtyGroups() []query.QueryGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]query.QueryGroup, 0, len(c.dirty))
	for groupID := range c.dirty {
		if group, ok := c.groups[groupID]; ok {
			out = append(out, group.Clone())
		}
	}
	sortGroups(out)
	return out
}

func (c *cache) isDirty(groupID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.dirty[groupID]
	return ok
}

func (c *cache) maxNumber() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var maxValue int64
	for groupID, group := range c.groups {
		if groupID > maxValue {
			maxValue = groupID
		}
		for _, item := range group.Items {
			if item.QueryNumber > maxValue {
				maxValue = item.QueryNumber
			}
		}
	}
	return maxValue
}

// Newest first, matching the durable listing order.
func sortGroups(groups []query.QueryGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.After(groups[j].CreatedAt)
		}
		return groups[i].GroupID > groups[j].GroupID
	})
}

// cacheIndex exposes the cache to the identity reconciler.
type cacheIndex struct {
	cache *cache
}

func (i cacheIndex) Name() string { return SourceCache }

func (i cacheIndex) FindByItemID(_ context.Context, itemID string) (query.QueryGroup, bool, error) {
	group, ok := i.cache.byItem(itemID)
	return group, ok, nil
}

func (i cacheIndex) FindByGroupID(_ context.Context, groupID int64) (query.QueryGroup, bool, error) {
	group, ok := i.cache.get(groupID)
	return group, ok, nil
}
