package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mreed/walletkit/internal/util"
	"github.com/mreed/walletkit/secstore"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	key, err := util.RandomBytes(util.AESKeySize)
	require.NoError(t, err)

	s, err := NewStoreFromFile(filepath.Join(t.TempDir(), "creds.db"), key, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("login-key"), false))

	got, err := s.Get(ctx, "alice", secstore.KindLoginKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("login-key"), got)
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "alice", secstore.KindLoginKey)
	assert.ErrorIs(t, err, secstore.ErrNotFound)

	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))
	_, err = s.Get(ctx, "alice", secstore.KindOTPKey)
	assert.ErrorIs(t, err, secstore.ErrNotFound)
}

func TestStore_OverwriteKeepsSingleRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "alice", secstore.KindPassword, []byte("old"), false))
	require.NoError(t, s.Put(ctx, "alice", secstore.KindPassword, []byte("new"), true))

	// With no authenticator configured, the gate degrades to software-only.
	got, err := s.Get(ctx, "alice", secstore.KindPassword)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestStore_GatedRead(t *testing.T) {
	ctx := context.Background()
	var prompts int
	allow := true
	s := newTestStore(t, WithAuthenticator(secstore.AuthenticatorFunc(
		func(ctx context.Context, reason string) error {
			prompts++
			if !allow {
				return errors.New("user cancelled")
			}
			return nil
		},
	)))

	require.NoError(t, s.Put(ctx, "alice", secstore.KindPassword, []byte("hunter2"), true))

	got, err := s.Get(ctx, "alice", secstore.KindPassword)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)
	assert.Equal(t, 1, prompts)

	allow = false
	_, err = s.Get(ctx, "alice", secstore.KindPassword)
	assert.ErrorIs(t, err, secstore.ErrAuthenticationDenied)
}

func TestStore_ClearIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))
	require.NoError(t, s.Put(ctx, "alice", secstore.KindOTPKey, []byte("o"), false))

	require.NoError(t, s.Clear(ctx, "alice"))
	require.NoError(t, s.Clear(ctx, "alice"))

	_, err := s.Get(ctx, "alice", secstore.KindLoginKey)
	assert.ErrorIs(t, err, secstore.ErrNotFound)
}

func TestStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Delete(ctx, "alice", secstore.KindLoginKey))
	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))
	require.NoError(t, s.Delete(ctx, "alice", secstore.KindLoginKey))
	require.NoError(t, s.Delete(ctx, "alice", secstore.KindLoginKey))
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "carol", secstore.KindLoginKey, []byte("k"), false))
	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))

	usernames, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, usernames)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	key, err := util.RandomBytes(util.AESKeySize)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := NewStoreFromFile(path, key)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))
	require.NoError(t, s.Close())

	s2, err := NewStoreFromFile(path, key)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "alice", secstore.KindLoginKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), got)
}

func TestStore_GetAfterCloseUnavailable(t *testing.T) {
	ctx := context.Background()
	key, err := util.RandomBytes(util.AESKeySize)
	require.NoError(t, err)

	s, err := NewStoreFromFile(filepath.Join(t.TempDir(), "creds.db"), key)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "alice", secstore.KindLoginKey)
	assert.ErrorIs(t, err, secstore.ErrUnavailable)
}

func TestStore_WrongDeviceKeyFailsClosed(t *testing.T) {
	ctx := context.Background()
	key, err := util.RandomBytes(util.AESKeySize)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := NewStoreFromFile(path, key)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "alice", secstore.KindLoginKey, []byte("k"), false))
	require.NoError(t, s.Close())

	otherKey, err := util.RandomBytes(util.AESKeySize)
	require.NoError(t, err)
	s2, err := NewStoreFromFile(path, otherKey)
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get(ctx, "alice", secstore.KindLoginKey)
	assert.ErrorIs(t, err, secstore.ErrEncodingFailed)
}
