package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	ctx := context.Background()
	err := <-s.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestMemStoreOrderedWritesPerKey(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	ctx := context.Background()
	var dones []<-chan error
	for i := 0; i < 50; i++ {
		dones = append(dones, s.Put(ctx, "k", []byte{byte(i)}))
	}
	for _, d := range dones {
		require.NoError(t, <-d)
	}

	v, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte{49}, v)
}

func TestMemStoreDelete(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	ctx := context.Background()
	<-s.Put(ctx, "a", []byte("1"))
	require.NoError(t, <-s.Delete(ctx, "a"))

	_, ok := s.Get("a")
	require.False(t, ok)
}
