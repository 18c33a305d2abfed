package diag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFollower(t *testing.T, f *diagFixture) (*Follower, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.log")
	follower := NewFollower(path, f.engine, zap.NewNop())
	follower.interval = 5 * time.Millisecond
	return follower, path
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	require.NoError(t, err)
}

func TestFollowerFeedsNewLinesToEngine(t *testing.T) {
	f := newDiagFixture(t)
	follower, path := newTestFollower(t, f)

	// Pre-existing history must not be re-classified.
	appendLine(t, path, "[ERROR] connect_failed asio.system:61")
	appendLine(t, path, "[ERROR] connect_failed asio.system:61")
	appendLine(t, path, "[ERROR] connect_failed asio.system:61")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = follower.Run(ctx)
		close(done)
	}()

	// Give the follower a tick to seek to EOF before appending.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.starter.starts, "history before attach must be ignored")

	appendLine(t, path, "[ERROR] connect_failed asio.system:61")
	appendLine(t, path, "[ERROR] connect_failed asio.system:61")
	appendLine(t, path, "[ERROR] connect_failed asio.system:61")

	require.Eventually(t, func() bool {
		f.starter.mu.Lock()
		defer f.starter.mu.Unlock()
		return f.starter.starts == 1
	}, time.Second, 5*time.Millisecond, "three live failures trigger recovery")

	cancel()
	<-done
}

func TestFollowerToleratesMissingFile(t *testing.T) {
	f := newDiagFixture(t)
	follower, path := newTestFollower(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = follower.Run(ctx)
		close(done)
	}()

	// The file appears only after the follower started.
	time.Sleep(20 * time.Millisecond)
	appendLine(t, path, "[INFO] kanata starting")
	appendLine(t, path, "[ERROR] connect_failed asio.system:61")

	require.Eventually(t, func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		return f.engine.consecutiveFailures == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
