package lidkaart

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type ramItem struct {
	ns   string
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramKey struct{ ns, key string }

// memoryStore is a byte-bounded LRU shared by all namespaces. A maxBytes of
// zero disables the bound.
type memoryStore struct {
	maxBytes int64

	mu         sync.Mutex
	items      map[ramKey]*ramItem
	namespaces map[string]struct{}
	head       *ramItem
	tail       *ramItem
	total      int64
}

func newMemoryStore(maxBytes int64) *memoryStore {
	return &memoryStore{
		maxBytes:   maxBytes,
		items:      map[ramKey]*ramItem{},
		namespaces: map[string]struct{}{},
	}
}

func (c *memoryStore) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *memoryStore) Get(_ context.Context, ns, key string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[ramKey{ns, key}]
	if !ok {
		return CacheEntry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent, true, nil
}

func (c *memoryStore) Put(_ context.Context, ns, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	sz := int64(len(b))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.namespaces[ns] = struct{}{}
	k := ramKey{ns, key}
	if it, ok := c.items[k]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked(it)
		return nil
	}

	if c.maxBytes > 0 && sz > c.maxBytes {
		return fmt.Errorf("%s %q: %d bytes over bound %d: %w", ns, key, sz, c.maxBytes, errEntryTooLarge)
	}

	it := &ramItem{ns: ns, key: key, ent: ent, size: sz}
	c.items[k] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked(it)
	return nil
}

// evictLocked drops least recently used items until the store fits, never
// evicting keep.
func (c *memoryStore) evictLocked(keep *ramItem) {
	for c.maxBytes > 0 && c.total > c.maxBytes {
		it := c.tail
		if it == nil || it == keep {
			return
		}
		c.dropLocked(it)
	}
}

func (c *memoryStore) DeleteMatching(_ context.Context, ns string, match func(string) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if k.ns == ns && match(k.key) {
			c.dropLocked(it)
			n++
		}
	}
	return n, nil
}

func (c *memoryStore) Keys(_ context.Context, ns string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for k := range c.items {
		if k.ns == ns {
			out = append(out, k.key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *memoryStore) Namespaces(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.namespaces))
	for ns := range c.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (c *memoryStore) DeleteNamespace(_ context.Context, ns string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.namespaces[ns]; !ok {
		return false, nil
	}
	delete(c.namespaces, ns)
	for k, it := range c.items {
		if k.ns == ns {
			c.dropLocked(it)
		}
	}
	return true, nil
}

func (c *memoryStore) Close() error { return nil }

func (c *memoryStore) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, ramKey{it.ns, it.key})
	c.total -= it.size
}

func (c *memoryStore) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memoryStore) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memoryStore) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
