package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/mnehpets/onesession/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore_Memory(t *testing.T) {
	creds, attempts, closer, err := openStore(context.Background(), &auth.Config{Store: "memory"})
	require.NoError(t, err)
	defer closer()
	assert.Same(t, creds, attempts)
}

func TestOpenStore_File(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cfg := &auth.Config{
		StorePath: filepath.Join(t.TempDir(), "onesession", "session.db"),
		StoreKey:  base64.RawURLEncoding.EncodeToString(key),
	}
	creds, attempts, closer, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closer()
	assert.Same(t, creds, attempts)

	ctx := context.Background()
	require.NoError(t, attempts.Set(ctx, auth.StateKey, []byte("s")))
	v, err := creds.Get(ctx, auth.StateKey)
	require.NoError(t, err)
	assert.Equal(t, "s", string(v))
}

func TestOpenStore_Errors(t *testing.T) {
	_, _, _, err := openStore(context.Background(), &auth.Config{Store: "file", StorePath: filepath.Join(t.TempDir(), "db")})
	assert.ErrorContains(t, err, auth.EnvStoreKey)

	_, _, _, err = openStore(context.Background(), &auth.Config{Store: "etcd"})
	assert.ErrorContains(t, err, "unknown store")
}
