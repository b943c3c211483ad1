package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/engine/dispatch"
	"github.com/sinas-platform/sinas/engine/execution"
	"github.com/sinas-platform/sinas/engine/infra/cache"
	"github.com/sinas-platform/sinas/engine/logstream"
	"github.com/sinas-platform/sinas/engine/orchestrator"
	"github.com/sinas-platform/sinas/engine/worker"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// triggerEnv wires a full in-process engine: memory repo, miniredis
// queue/bus, local backend and a running worker pool.
type triggerEnv struct {
	repo       *execution.MemoryRepository
	backend    *backend.LocalBackend
	dispatcher *dispatch.Dispatcher
	orch       *orchestrator.Orchestrator
}

func newTriggerEnv(t *testing.T) *triggerEnv {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	bus, err := cache.NewRedisResultBus(client, cache.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	logs, err := logstream.NewStream(client, nil)
	require.NoError(t, err)
	repo := execution.NewMemoryRepository()
	be := backend.NewLocalBackend()
	dispatcher := dispatch.NewDispatcher(repo, client, bus, nil)
	orch := orchestrator.New(repo, be, logs, bus, dispatcher, &orchestrator.Config{HeartbeatInterval: 0})
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(dispatcher, orch, &worker.Config{Count: 2, PollTimeout: 50 * time.Millisecond})
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return &triggerEnv{repo: repo, backend: be, dispatcher: dispatcher, orch: orch}
}
