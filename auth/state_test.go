package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mnehpets/onesession/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attemptKeys(t *testing.T, s storage.Store) []string {
	t.Helper()
	ctx := context.Background()
	var keys []string
	for _, prefix := range []string{VerifierKey, StateKey, ContextKeyPrefix} {
		k, err := s.Keys(ctx, prefix)
		require.NoError(t, err)
		keys = append(keys, k...)
	}
	return keys
}

func TestAttemptStore_BeginConsume(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	attempt, err := a.BeginAttempt(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, DeriveChallenge(attempt.Verifier), attempt.Challenge)

	verifier, ok, err := storage.GetString(ctx, store, VerifierKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attempt.Verifier, verifier)

	consumed, err := a.ConsumeAttempt(ctx, attempt.State)
	require.NoError(t, err)
	assert.Equal(t, attempt.Verifier, consumed.Verifier)
	assert.Nil(t, consumed.Context)

	_, err = store.Get(ctx, StateKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "state must be deleted on first use")

	_, err = a.ConsumeAttempt(ctx, attempt.State)
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.Empty(t, attemptKeys(t, store))
}

func TestAttemptStore_ConsumeOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	attempt, err := a.BeginAttempt(ctx, nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.ConsumeAttempt(ctx, attempt.State); err == nil {
				mu.Lock()
				matched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, matched, 1)
}

func TestAttemptStore_UnknownState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	_, err := a.ConsumeAttempt(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrStateMismatch)

	_, err = a.BeginAttempt(ctx, &OAuthContext{SignupStep: "nickname"})
	require.NoError(t, err)
	_, err = a.ConsumeAttempt(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.Empty(t, attemptKeys(t, store))
}

func TestAttemptStore_EmptyState(t *testing.T) {
	ctx := context.Background()
	a := NewAttemptStore(storage.NewMemoryStore())
	_, err := a.BeginAttempt(ctx, nil)
	require.NoError(t, err)

	_, err = a.ConsumeAttempt(ctx, "")
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestAttemptStore_Context(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	want := &OAuthContext{SignupStep: "team", ReferralCode: "ref-42", NextURL: "/teams", AppData: []byte{1, 2, 3}}
	attempt, err := a.BeginAttempt(ctx, want)
	require.NoError(t, err)

	_, err = store.Get(ctx, ContextKeyPrefix+attempt.State)
	require.NoError(t, err)

	consumed, err := a.ConsumeAttempt(ctx, attempt.State)
	require.NoError(t, err)
	assert.Equal(t, want, consumed.Context)

	_, err = store.Get(ctx, ContextKeyPrefix+attempt.State)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAttemptStore_CorruptContextIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	attempt, err := a.BeginAttempt(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, ContextKeyPrefix+attempt.State, []byte{0xff, 0x00}))

	consumed, err := a.ConsumeAttempt(ctx, attempt.State)
	require.NoError(t, err)
	assert.Nil(t, consumed.Context)
	assert.Equal(t, attempt.Verifier, consumed.Verifier)
}

func TestAttemptStore_MissingVerifier(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	attempt, err := a.BeginAttempt(ctx, &OAuthContext{NextURL: "/"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, VerifierKey))

	_, err = a.ConsumeAttempt(ctx, attempt.State)
	assert.ErrorIs(t, err, ErrMissingVerifier)
	assert.Empty(t, attemptKeys(t, store))
}

func TestAttemptStore_SecondAttemptOverwritesFirst(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	first, err := a.BeginAttempt(ctx, &OAuthContext{ReferralCode: "first"})
	require.NoError(t, err)
	second, err := a.BeginAttempt(ctx, nil)
	require.NoError(t, err)

	_, err = store.Get(ctx, ContextKeyPrefix+first.State)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = a.ConsumeAttempt(ctx, first.State)
	assert.ErrorIs(t, err, ErrStateMismatch)

	// The late first callback also destroyed the second attempt.
	_, err = a.ConsumeAttempt(ctx, second.State)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestAttemptStore_ClearRemovesAbandonedContexts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewAttemptStore(store)

	_, err := a.BeginAttempt(ctx, &OAuthContext{SignupStep: "x"})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, ContextKeyPrefix+"abandoned", []byte("stale")))
	require.NoError(t, store.Set(ctx, "unrelated", []byte("keep")))

	require.NoError(t, a.Clear(ctx))
	assert.Empty(t, attemptKeys(t, store))
	assert.Equal(t, 1, store.Len())
}

func TestAttemptStore_AppDataLimit(t *testing.T) {
	a := NewAttemptStore(storage.NewMemoryStore())
	_, err := a.BeginAttempt(context.Background(), &OAuthContext{AppData: make([]byte, MaxAppDataBytes+1)})
	assert.ErrorIs(t, err, ErrAppDataTooLarge)
}

func TestAttemptStore_FileStore(t *testing.T) {
	ctx := context.Background()
	codec, err := storage.NewSealCodec("k1", map[string][]byte{"k1": make([]byte, storage.KeySize)}, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "session.db")

	fs1, err := storage.NewFileStore(path, codec)
	require.NoError(t, err)
	attempt, err := NewAttemptStore(fs1).BeginAttempt(ctx, &OAuthContext{NextURL: "/after"})
	require.NoError(t, err)

	// A second process opening the same file completes the attempt.
	fs2, err := storage.NewFileStore(path, codec)
	require.NoError(t, err)
	consumed, err := NewAttemptStore(fs2).ConsumeAttempt(ctx, attempt.State)
	require.NoError(t, err)
	assert.Equal(t, attempt.Verifier, consumed.Verifier)
	assert.Equal(t, "/after", consumed.Context.NextURL)
}
