// Package storagetest holds behaviour checks shared by every Store.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/orekh/internal/storage"
)

// Run exercises s with the contract every backend must honour.
func Run(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		v, err := s.Get(ctx, "msgs_nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "msgs_bob@example.com", []byte{1, 2, 3}))
		v, err := s.Get(ctx, "msgs_bob@example.com")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, v)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "read_markers", []byte("a")))
		require.NoError(t, s.Set(ctx, "read_markers", []byte("b")))
		v, err := s.Get(ctx, "read_markers")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), v)
	})

	t.Run("caller buffer is not retained", func(t *testing.T) {
		buf := []byte("xyz")
		require.NoError(t, s.Set(ctx, "k", buf))
		buf[0] = 'X'
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("xyz"), v)
	})
}
