package cleanup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwindRunsReverseOrder(t *testing.T) {
	var order []string
	var s Stack
	s.Push("device", func() error { order = append(order, "device"); return nil })
	s.Push("mount", func() error { order = append(order, "mount"); return nil })

	require.NoError(t, s.Unwind())
	assert.Equal(t, []string{"mount", "device"}, order)
	assert.Equal(t, 0, s.Len())
}

func TestUnwindContinuesPastErrors(t *testing.T) {
	var order []string
	var s Stack
	errMount := errors.New("umount: target busy")
	s.Push("device", func() error { order = append(order, "device"); return nil })
	s.Push("mount", func() error { order = append(order, "mount"); return errMount })

	err := s.Unwind()
	assert.ErrorIs(t, err, errMount)
	assert.Equal(t, []string{"mount", "device"}, order, "device release still runs after mount failure")
}

func TestUnwindIsIdempotent(t *testing.T) {
	count := 0
	var s Stack
	s.Push("tempfile", func() error { count++; return nil })

	require.NoError(t, s.Unwind())
	require.NoError(t, s.Unwind())
	assert.Equal(t, 1, count)
}

func TestPopRemovesSingleEntry(t *testing.T) {
	var order []string
	var s Stack
	s.Push("outer", func() error { order = append(order, "outer"); return nil })
	s.Push("inner", func() error { order = append(order, "inner"); return nil })

	require.NoError(t, s.Pop())
	assert.Equal(t, []string{"inner"}, order)
	require.NoError(t, s.Unwind())
	assert.Equal(t, []string{"inner", "outer"}, order)
}
