package configsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/subbridge/core/dto"
)

func TestSource_SetPublishesChangesAndPersists(t *testing.T) {
	for _, name := range []string{"settings.yaml", "settings.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			src, err := Open(path)
			require.NoError(t, err)

			var changes []dto.ConfigChange
			src.Subscribe(func(c dto.ConfigChange) { changes = append(changes, c) })

			require.NoError(t, src.Set("theme", "light"))
			require.NoError(t, src.SetMultiple(map[string]any{"theme": "dark", "fontSize": 14, "enabled": true}))
			require.NoError(t, src.Set("enabled", true), "setting an equal value is a no-op")

			require.Equal(t, []dto.ConfigChange{
				{Key: "theme", Value: "light"},
				{Key: "enabled", Value: true},
				{Key: "fontSize", Value: float64(14)},
				{Key: "theme", Value: "dark", OldValue: "light"},
			}, changes)

			reopened, err := Open(path)
			require.NoError(t, err)
			require.Equal(t, src.GetAll(), reopened.GetAll())

			v, ok := reopened.Get("fontSize")
			require.True(t, ok)
			require.Equal(t, float64(14), v)
		})
	}
}

func TestSource_InMemory(t *testing.T) {
	src, err := Open("")
	require.NoError(t, err)
	require.NoError(t, src.Set("lang", "de"))

	v, ok := src.Get("lang")
	require.True(t, ok)
	require.Equal(t, "de", v)

	_, ok = src.Get("missing")
	require.False(t, ok)
	require.Error(t, src.Set(" ", 1))
}

func TestSource_WatchPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("theme: light\n"), 0o644))

	src, err := Open(path)
	require.NoError(t, err)

	changes := make(chan dto.ConfigChange, 4)
	src.Subscribe(func(c dto.ConfigChange) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))

	// replace atomically so the watcher never sees a truncated file
	tmp := filepath.Join(filepath.Dir(path), "edit.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("theme: dark\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	select {
	case c := <-changes:
		require.Equal(t, dto.ConfigChange{Key: "theme", Value: "dark", OldValue: "light"}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("external edit not observed")
	}

	v, _ := src.Get("theme")
	require.Equal(t, "dark", v)
}

func TestSource_OpenRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("theme: [unterminated\n"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
}
