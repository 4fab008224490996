package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/syrja/internal/config"
	"github.com/petervdpas/syrja/internal/directory"
	"github.com/petervdpas/syrja/internal/wakeup"
)

func TestOpenStoresSQLite(t *testing.T) {
	base := t.TempDir()
	sc := config.Default().Store

	st, err := openStores(context.Background(), base, sc, clock.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.directory.Close() })

	assert.IsType(t, &directory.SQLiteStore{}, st.directory)
	assert.IsType(t, &wakeup.SQLiteEndpoints{}, st.endpoints)
	assert.NotNil(t, st.sweep)
	assert.FileExists(t, filepath.Join(base, "data", "syrja.db"))
}

func TestOpenStoresRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	sc := config.Default().Store
	sc.Driver = "redis"
	sc.RedisAddr = mr.Addr()

	st, err := openStores(context.Background(), t.TempDir(), sc, clock.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.directory.Close() })

	assert.IsType(t, &directory.RedisStore{}, st.directory)
	assert.IsType(t, &wakeup.RedisEndpoints{}, st.endpoints)
	assert.Nil(t, st.sweep)
	require.NoError(t, st.directory.Ping(context.Background()))
}

func TestOpenStoresUnknownDriver(t *testing.T) {
	_, err := openStores(context.Background(), t.TempDir(), config.Store{Driver: "etcd"}, clock.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestParseProxies(t *testing.T) {
	nets, err := parseProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
	assert.Equal(t, "192.0.2.7/32", nets[1].String())

	_, err = parseProxies([]string{"nope"})
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Server.Bind = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Push.Enabled = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{BaseDir: base, Cfg: cfg})
	}()

	// The VAPID key file appears once push is wired.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(base, "data", "vapid.json"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
