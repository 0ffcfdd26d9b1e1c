// Package filter maintains the category index that groups tracked listings
// into named tabs. The index holds identifiers only; the registry owns records.
package filter

import (
	"sort"
	"sync"
)

// Index maps category names to sorted identifier sets.
type Index struct {
	mu         sync.RWMutex
	byCategory map[string][]string
	categoryOf map[string]string
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		byCategory: make(map[string][]string),
		categoryOf: make(map[string]string),
	}
}

// Add places id in category. An id already indexed elsewhere is moved.
func (x *Index) Add(category, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	members := x.byCategory[category]
	i := sort.SearchStrings(members, id)
	members = append(members, "")
	copy(members[i+1:], members[i:])
	members[i] = id
	x.byCategory[category] = members
	x.categoryOf[id] = category
}

// Remove drops id from whatever category holds it. It reports whether id was
// indexed.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(id)
}

// Move re-files id under category.
func (x *Index) Move(id, category string) {
	x.Add(category, id)
}

// CategoryOf returns the category holding id.
func (x *Index) CategoryOf(id string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.categoryOf[id]
	return c, ok
}

// Contains reports whether id is indexed.
func (x *Index) Contains(id string) bool {
	_, ok := x.CategoryOf(id)
	return ok
}

// Members returns a copy of the sorted identifiers in category.
func (x *Index) Members(category string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]string(nil), x.byCategory[category]...)
}

// Categories returns the non-empty category names in lexical order.
func (x *Index) Categories() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.byCategory))
	for c := range x.byCategory {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of indexed identifiers.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.categoryOf)
}

// Reset empties the index.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byCategory = make(map[string][]string)
	x.categoryOf = make(map[string]string)
}

func (x *Index) removeLocked(id string) bool {
	category, ok := x.categoryOf[id]
	if !ok {
		return false
	}
	members := x.byCategory[category]
	i := sort.SearchStrings(members, id)
	if i < len(members) && members[i] == id {
		members = append(members[:i], members[i+1:]...)
	}
	if len(members) == 0 {
		delete(x.byCategory, category)
	} else {
		x.byCategory[category] = members
	}
	delete(x.categoryOf, id)
	return true
}
