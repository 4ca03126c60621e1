package registry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fmaste/cardano-world/internal/registry"
)

type fakeCloser struct {
	err    error
	closed bool
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return f.err
}

func TestCloseAllClosesEveryResource(t *testing.T) {
	r := registry.New()
	a := &fakeCloser{}
	b := &fakeCloser{}
	r.Register(a)
	r.Register(b)
	require.Equal(t, 2, r.Len())

	require.NoError(t, r.CloseAll())
	require.True(t, a.closed)
	require.True(t, b.closed)
	require.Equal(t, 0, r.Len())
}

func TestCloseAllAggregatesErrors(t *testing.T) {
	r := registry.New()
	r.Register(&fakeCloser{err: errors.New("boom1")})
	r.Register(&fakeCloser{err: errors.New("boom2")})

	err := r.CloseAll()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom1")
	require.Contains(t, err.Error(), "boom2")
}

func TestRegisterAfterCloseClosesImmediately(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.CloseAll())

	late := &fakeCloser{}
	h := r.Register(late)
	require.Equal(t, registry.Handle(""), h)
	require.True(t, late.closed)
}

func TestDeregisterRemovesWithoutClosing(t *testing.T) {
	r := registry.New()
	c := &fakeCloser{}
	h := r.Register(c)
	r.Deregister(h)
	require.Equal(t, 0, r.Len())
	require.NoError(t, r.CloseAll())
	require.False(t, c.closed)
}
