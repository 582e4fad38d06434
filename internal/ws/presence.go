package ws

import "sync"

// productViewers holds who is currently looking at one product page.
// Identified viewers are counted once per user no matter how many tabs they
// have open; every anonymous connection counts as its own viewer.
type productViewers struct {
	identified map[string]map[*Client]struct{}
	anonymous  map[*Client]struct{}
}

func newProductViewers() *productViewers {
	return &productViewers{
		identified: make(map[string]map[*Client]struct{}),
		anonymous:  make(map[*Client]struct{}),
	}
}

func (v *productViewers) count() int {
	return len(v.identified) + len(v.anonymous)
}

// PresenceTracker maintains per-product viewer sets for live "N people are
// viewing this" counters. It is owned by the Hub and shares its lifecycle.
type PresenceTracker struct {
	mu       sync.Mutex
	products map[string]*productViewers
	// byClient tracks which products each connection views, for
	// disconnect cleanup.
	byClient map[*Client]map[string]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		products: make(map[string]*productViewers),
		byClient: make(map[*Client]map[string]struct{}),
	}
}

// ProductCount is a post-update viewer count for one product.
type ProductCount struct {
	ProductID string
	Count     int
}

// Join adds the connection to the product's viewer set. Returns the resulting
// count and whether it changed (a second tab of the same user does not change
// the count).
func (p *PresenceTracker) Join(productID string, c *Client) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.products[productID]
	if !ok {
		v = newProductViewers()
		p.products[productID] = v
	}
	before := v.count()

	if c.Anonymous() {
		v.anonymous[c] = struct{}{}
	} else {
		conns, ok := v.identified[c.userID]
		if !ok {
			conns = make(map[*Client]struct{})
			v.identified[c.userID] = conns
		}
		conns[c] = struct{}{}
	}

	viewed, ok := p.byClient[c]
	if !ok {
		viewed = make(map[string]struct{})
		p.byClient[c] = viewed
	}
	viewed[productID] = struct{}{}

	after := v.count()
	return after, after != before
}

// Leave removes the connection from the product's viewer set. Returns the
// resulting count and whether it changed (the user may still have another tab
// open on the same product).
func (p *PresenceTracker) Leave(productID string, c *Client) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaveLocked(productID, c)
}

func (p *PresenceTracker) leaveLocked(productID string, c *Client) (int, bool) {
	v, ok := p.products[productID]
	if !ok {
		return 0, false
	}
	before := v.count()

	if c.Anonymous() {
		delete(v.anonymous, c)
	} else if conns, ok := v.identified[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(v.identified, c.userID)
		}
	}

	if viewed, ok := p.byClient[c]; ok {
		delete(viewed, productID)
		if len(viewed) == 0 {
			delete(p.byClient, c)
		}
	}

	after := v.count()
	if after == 0 {
		delete(p.products, productID)
	}
	return after, after != before
}

// Drop removes the connection from every product it was viewing and returns
// the products whose count actually changed. Called on disconnect.
func (p *PresenceTracker) Drop(c *Client) []ProductCount {
	p.mu.Lock()
	defer p.mu.Unlock()

	viewed, ok := p.byClient[c]
	if !ok {
		return nil
	}
	changes := make([]ProductCount, 0, len(viewed))
	for productID := range viewed {
		count, changed := p.leaveLocked(productID, c)
		if changed {
			changes = append(changes, ProductCount{ProductID: productID, Count: count})
		}
	}
	return changes
}

// Count returns the current viewer count for a product.
func (p *PresenceTracker) Count(productID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.products[productID]; ok {
		return v.count()
	}
	return 0
}
