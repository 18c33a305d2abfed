package diag

import (
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/domain"
)

// exitTailBytes bounds how much of the engine log accompanies an exit
// event. The zombie signature lives in the last few lines.
const exitTailBytes = 4096

// ExitCoder reports the engine service's last exit code. ok is false
// when the service never exited.
type ExitCoder interface {
	LastExitCode() (code int, ok bool, err error)
}

// ExitWatcher turns the service manager's view of the engine into
// structured exit events for the diagnostics engine: when a running job
// disappears, the last exit code and a tail of the engine log are fed
// to HandleExit. This is the second input stream next to the log
// follower, and the one that carries the exit-code half of the
// zombie-capture signature.
type ExitWatcher struct {
	svc      domain.ServiceManager
	exits    ExitCoder
	logPath  string
	engine   *Engine
	logger   *zap.Logger
	interval time.Duration
}

// NewExitWatcher creates an exit watcher.
func NewExitWatcher(svc domain.ServiceManager, exits ExitCoder, logPath string, engine *Engine, logger *zap.Logger) *ExitWatcher {
	return &ExitWatcher{
		svc:      svc,
		exits:    exits,
		logPath:  logPath,
		engine:   engine,
		logger:   logger,
		interval: time.Second,
	}
}

// Run blocks, polling the service until ctx is done. Each
// running-to-stopped transition produces exactly one exit event.
func (w *ExitWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	wasRunning := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := w.svc.ServiceStatus()
		if err != nil {
			w.logger.Debug("exit watcher status poll failed", zap.Error(err))
			continue
		}
		if status.IsRunning {
			wasRunning = true
			continue
		}
		if !wasRunning {
			continue
		}
		wasRunning = false

		code, ok, err := w.exits.LastExitCode()
		if err != nil || !ok {
			w.logger.Warn("engine stopped but its exit code is unknown", zap.Error(err))
			continue
		}
		w.logger.Warn("engine process exited", zap.Int("exit_code", code))
		w.engine.HandleExit(ctx, domain.ExitEvent{
			ExitCode:     code,
			RecentOutput: tailOfFile(w.logPath, exitTailBytes),
		})
	}
}

// tailOfFile returns up to max bytes from the end of path; empty on any
// error, since the exit code alone is still classifiable.
func tailOfFile(path string, max int64) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > max {
		if _, err := file.Seek(-max, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return ""
	}
	return string(data)
}
