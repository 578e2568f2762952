package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuplicateWithinTTLDropped(t *testing.T) {
	d := New(time.Minute, 100)
	k := Key([]byte(`{"type":"VALVE_OPENED","plant_id":1}`))

	assert.True(t, d.ShouldProcess(k))
	assert.False(t, d.ShouldProcess(k))
	assert.True(t, d.ShouldProcess(Key([]byte(`different`))))
}

func TestExpiredKeyProcessedAgain(t *testing.T) {
	d := New(10*time.Millisecond, 100)
	k := Key([]byte(`payload`))

	assert.True(t, d.ShouldProcess(k))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, d.ShouldProcess(k))
}

func TestCapEvictsExpired(t *testing.T) {
	d := New(time.Nanosecond, 4)
	for i := 0; i < 20; i++ {
		d.ShouldProcess(Key([]byte{byte(i)}))
	}
	assert.LessOrEqual(t, d.Len(), 4)
}

func TestCapEvictsClosestToExpiryWhenNothingExpired(t *testing.T) {
	d := New(time.Minute, 2)
	a, b := Key([]byte("a")), Key([]byte("b"))
	d.ShouldProcess(a)
	d.ShouldProcess(b)
	d.mu.Lock()
	d.seen[a] = time.Now().Add(time.Second)
	d.seen[b] = time.Now().Add(time.Hour)
	d.mu.Unlock()

	d.ShouldProcess(Key([]byte("c")))

	assert.Equal(t, 2, d.Len())
	assert.False(t, d.ShouldProcess(b), "freshest key must survive eviction")
	assert.True(t, d.ShouldProcess(a), "key closest to expiry was evicted")
}
