package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceIdentifiedUserCountedOnce(t *testing.T) {
	p := NewPresenceTracker()
	tab1 := &Client{userID: "u1"}
	tab2 := &Client{userID: "u1"}

	count, changed := p.Join("prod-1", tab1)
	assert.Equal(t, 1, count)
	assert.True(t, changed)

	// Second tab of the same user: no count change.
	count, changed = p.Join("prod-1", tab2)
	assert.Equal(t, 1, count)
	assert.False(t, changed)

	// Closing one tab keeps the user counted.
	count, changed = p.Leave("prod-1", tab1)
	assert.Equal(t, 1, count)
	assert.False(t, changed)

	count, changed = p.Leave("prod-1", tab2)
	assert.Equal(t, 0, count)
	assert.True(t, changed)
}

func TestPresenceAnonymousEachConnectionCounts(t *testing.T) {
	p := NewPresenceTracker()
	anon1 := &Client{}
	anon2 := &Client{}
	user := &Client{userID: "u1"}

	p.Join("prod-1", user)
	count, changed := p.Join("prod-1", anon1)
	assert.Equal(t, 2, count)
	assert.True(t, changed)

	count, changed = p.Join("prod-1", anon2)
	assert.Equal(t, 3, count)
	assert.True(t, changed)

	count, changed = p.Leave("prod-1", anon1)
	assert.Equal(t, 2, count)
	assert.True(t, changed)
}

func TestPresenceDropRemovesEverywhere(t *testing.T) {
	p := NewPresenceTracker()
	c := &Client{userID: "u1"}
	other := &Client{userID: "u2"}

	p.Join("prod-1", c)
	p.Join("prod-2", c)
	p.Join("prod-1", other)

	changes := p.Drop(c)
	require.Len(t, changes, 2)
	counts := map[string]int{}
	for _, pc := range changes {
		counts[pc.ProductID] = pc.Count
	}
	assert.Equal(t, 1, counts["prod-1"])
	assert.Equal(t, 0, counts["prod-2"])

	// No leaked entries for the dropped connection.
	p.mu.Lock()
	_, tracked := p.byClient[c]
	_, prod2Alive := p.products["prod-2"]
	p.mu.Unlock()
	assert.False(t, tracked)
	assert.False(t, prod2Alive, "drained product entry must be discarded")

	assert.Equal(t, 1, p.Count("prod-1"))
	assert.Equal(t, 0, p.Count("prod-2"))
}

func TestPresenceDropUnknownClientIsNoop(t *testing.T) {
	p := NewPresenceTracker()
	assert.Nil(t, p.Drop(&Client{userID: "ghost"}))
}
