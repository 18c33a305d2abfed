package diag

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// Follower tails the engine's log file and feeds each new line to the
// diagnostics engine. launchd owns the file; the engine appends to it.
type Follower struct {
	path     string
	engine   *Engine
	logger   *zap.Logger
	interval time.Duration
}

// NewFollower creates a log follower.
func NewFollower(path string, engine *Engine, logger *zap.Logger) *Follower {
	return &Follower{
		path:     path,
		engine:   engine,
		logger:   logger,
		interval: 500 * time.Millisecond,
	}
}

// Run blocks, following the log until ctx is done. Starts at the
// current end of file so old history is not re-classified, and reopens
// when the file is rotated or truncated.
func (f *Follower) Run(ctx context.Context) error {
	var (
		file   *os.File
		reader *bufio.Reader
		offset int64
	)

	open := func(fromEnd bool) error {
		if file != nil {
			file.Close()
		}
		var err error
		file, err = os.Open(f.path)
		if err != nil {
			return err
		}
		if fromEnd {
			offset, _ = file.Seek(0, io.SeekEnd)
		} else {
			offset, _ = file.Seek(0, io.SeekStart)
		}
		reader = bufio.NewReader(file)
		return nil
	}

	if err := open(true); err != nil {
		f.logger.Debug("engine log not present yet", zap.Error(err))
	}
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if file == nil {
			if err := open(false); err != nil {
				continue
			}
		}

		// Truncation (log rotated in place) moves the file behind our
		// offset; start over from the top.
		if info, err := os.Stat(f.path); err == nil && info.Size() < offset {
			if err := open(false); err != nil {
				continue
			}
		}

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				offset += int64(len(line))
				f.engine.HandleLogLine(ctx, line)
			}
			if err != nil {
				break
			}
		}
	}
}
