package idalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLowestClearBit(t *testing.T) {
	a := New(4)

	id1, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id1)

	id2, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id2)

	a.Release(id1)

	id3, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id3, "lowest clear bit should be reused before advancing")
}

func TestAcquireExhaustion(t *testing.T) {
	a := New(3)

	for i := 0; i < 3; i++ {
		_, err := a.Acquire()
		require.NoError(t, err)
	}

	_, err := a.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseThenReacquireAcrossWordBoundary(t *testing.T) {
	a := New(40)

	ids := make([]uint16, 0, 40)
	for i := 0; i < 40; i++ {
		id, err := a.Acquire()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := a.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)

	a.Release(ids[33])
	id, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, ids[33], id)
}

func TestReleaseNoneIsNoop(t *testing.T) {
	a := New(2)
	assert.NotPanics(t, func() { a.Release(None) })
	assert.NotPanics(t, func() { a.Release(999) })
}

func TestInUse(t *testing.T) {
	a := New(2)
	id, err := a.Acquire()
	require.NoError(t, err)

	assert.True(t, a.InUse(id))
	a.Release(id)
	assert.False(t, a.InUse(id))
}
