package daemon_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemflow/internal/api"
	"stemflow/internal/daemon"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	h := newHarness(t, testsupport.WithAPIToken("tok"))
	leftover := testsupport.SaveJob(t, h.store, "/music/leftover.wav", "/out/leftover")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.daemon.Start(ctx))

	status := h.daemon.Status()
	assert.True(t, status.Running)
	assert.NotZero(t, status.PID)
	assert.NotEmpty(t, h.daemon.Addr())

	stored, err := h.store.GetJob(ctx, leftover.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, queue.StatusCancelled, stored.Status)
	assert.Equal(t, "daemon stopped", stored.CancelReason)

	client := api.NewClient(h.daemon.Addr(), "tok")
	batch, err := client.BatchStatus(ctx)
	require.NoError(t, err)
	assert.False(t, batch.Active)

	_, err = api.NewClient(h.daemon.Addr(), "").BatchStatus(ctx)
	assert.True(t, api.IsStatus(err, http.StatusUnauthorized), "got %v", err)

	assert.Error(t, h.daemon.Start(ctx), "second start should fail")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	h.daemon.Stop(stopCtx)
	assert.False(t, h.daemon.Status().Running)
	assert.Error(t, h.daemon.Start(ctx), "a stopped daemon cannot restart")
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.daemon.Start(ctx))
	t.Cleanup(func() { h.daemon.Stop(context.Background()) })

	other, err := daemon.New(h.cfg, h.store, h.coord, logging.NewNop())
	require.NoError(t, err)
	err = other.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestTestNotificationWithoutTopic(t *testing.T) {
	h := newHarness(t)
	sent, message, err := h.daemon.TestNotification(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, "ntfy topic not configured", message)
}
