package blob

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRelease(t *testing.T) {
	s := NewStore()
	h := s.Put([]byte("abc"), "image/png")

	assert.NotEmpty(t, h.ID)
	assert.Equal(t, 3, h.Size)
	assert.Equal(t, "image/png", h.ContentType)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(3), s.Bytes())

	data, got, err := s.Get(h.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, h, got)

	assert.True(t, s.Release(h.ID))
	assert.False(t, s.Release(h.ID))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.Bytes())

	_, _, err = s.Get(h.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandlesAreUnique(t *testing.T) {
	s := NewStore()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h := s.Put([]byte{byte(i)}, "")
		require.False(t, seen[h.ID], "duplicate id %s", h.ID)
		seen[h.ID] = true
	}
	assert.Equal(t, 100, s.Len())
}

func TestConcurrentPutRelease(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := s.Put([]byte(fmt.Sprintf("blob-%d", i)), "text/plain")
			_, _, err := s.Get(h.ID)
			assert.NoError(t, err)
			s.Release(h.ID)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
