package file

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/credstore"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestStore(t *testing.T) (*Store, string, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	key := testKey(t)
	store, err := New(Config{Path: path, Key: key})
	require.NoError(t, err)
	return store, path, key
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "short key",
			config:  Config{Path: "x.json", Key: []byte("too short")},
			wantErr: "key must be 32 bytes",
		},
		{
			name:    "missing path",
			config:  Config{Key: make([]byte, 32)},
			wantErr: "path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, credstore.TokenKey("acc-1"), "secret-token"))

	got, err := store.Get(ctx, credstore.TokenKey("acc-1"))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", got)

	_, err = store.Get(ctx, credstore.TokenKey("other"))
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	store, path, key := newTestStore(t)

	require.NoError(t, store.Set(ctx, "accounts", `[{"id":"acc-1"}]`))
	require.NoError(t, store.Set(ctx, credstore.TokenKey("acc-1"), "secret-token"))

	reloaded, err := New(Config{Path: path, Key: key})
	require.NoError(t, err)

	got, err := reloaded.Get(ctx, credstore.TokenKey("acc-1"))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", got)
}

func TestStore_TokensNotStoredInCleartext(t *testing.T) {
	ctx := context.Background()
	store, path, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, credstore.TokenKey("acc-1"), "super-secret-token"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-token")

	// File is valid JSON of sealed strings.
	var sealed map[string]string
	require.NoError(t, json.Unmarshal(raw, &sealed))
	assert.Len(t, sealed, 1)
}

func TestStore_WrongKeyFailsToUnseal(t *testing.T) {
	ctx := context.Background()
	store, path, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, credstore.TokenKey("acc-1"), "secret"))

	reopened, err := New(Config{Path: path, Key: testKey(t)})
	require.NoError(t, err)

	_, err = reopened.Get(ctx, credstore.TokenKey("acc-1"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unseal"))
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, path, key := newTestStore(t)

	require.NoError(t, store.Set(ctx, credstore.TokenKey("acc-1"), "secret"))
	require.NoError(t, store.Delete(ctx, credstore.TokenKey("acc-1")))

	_, err := store.Get(ctx, credstore.TokenKey("acc-1"))
	assert.ErrorIs(t, err, credstore.ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete(ctx, credstore.TokenKey("acc-1")))

	// Deletion is persisted.
	reloaded, err := New(Config{Path: path, Key: key})
	require.NoError(t, err)
	_, err = reloaded.Get(ctx, credstore.TokenKey("acc-1"))
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestStore_FileMode(t *testing.T) {
	ctx := context.Background()
	store, path, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, "k", "v"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
