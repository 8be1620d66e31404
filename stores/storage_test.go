package stores

import (
	"codecollab-server/config"
	"codecollab-server/core"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name         string
		cfg          config.Storage
		wantRegistry bool
	}{
		{"memory", config.Storage{Type: "memory"}, true},
		{"default", config.Storage{}, true},
		{"filesystem", config.Storage{Type: "filesystem", Path: filepath.Join(dir, "fs")}, false},
		{"sqlite", config.Storage{Type: "sqlite", DSN: filepath.Join(dir, "test.db")}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := GetStore(context.Background(), tc.cfg)
			require.NoError(t, err)

			_, isRegistry := store.(core.RoomRegistry)
			assert.Equal(t, tc.wantRegistry, isRegistry)

			id, err := store.Create(context.Background(), &core.Document{Content: "hello"})
			require.NoError(t, err)
			doc, err := store.FindID(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, "hello", doc.Content)
		})
	}
}

func TestGetStore_Unknown(t *testing.T) {
	_, err := GetStore(context.Background(), config.Storage{Type: "mongo"})
	assert.Error(t, err)
}
