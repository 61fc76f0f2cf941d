package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocatorMonotonic(t *testing.T) {
	a := NewAllocator(7)
	prev := a.Next()
	for i := 0; i < 10000; i++ {
		next := a.Next()
		require.True(t, prev.Less(next), "ids must be strictly increasing")
		require.True(t, prev.String() < next.String(), "text form must match numeric order")
		prev = next
	}
}

func TestParseRoundTrip(t *testing.T) {
	a := NewAllocator(3)
	id := a.Next()
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestTimeRecovered(t *testing.T) {
	a := NewAllocator(1)
	before := time.Now()
	id := a.Next()
	after := time.Now()

	got := id.Time()
	require.False(t, got.Before(before.Add(-time.Second)))
	require.False(t, got.After(after.Add(time.Second)))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-hex")
	require.ErrorIs(t, err, ErrInvalidText)
}
