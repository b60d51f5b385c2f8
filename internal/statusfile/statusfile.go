// Package statusfile mirrors the supervisor status report into a file that is replaced
// atomically, so readers never see a partial write.
package statusfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/bootvisor/internal/fsutil"
	"github.com/loykin/bootvisor/internal/supervisor"
)

// DefaultRefresh rewrites the file periodically so uptime stays current.
const DefaultRefresh = 5 * time.Second

// Source is the part of the supervisor the writer reads.
type Source interface {
	Status() *supervisor.Status
	Changes() <-chan struct{}
}

type Writer struct {
	path    string
	src     Source
	refresh time.Duration
	log     *slog.Logger

	sctx   *stopper.Context
	cancel context.CancelFunc
}

func New(path string, src Source, refresh time.Duration, log *slog.Logger) *Writer {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{path: path, src: src, refresh: refresh, log: log.With("component", "statusfile")}
}

// Write renders the current status once.
func (w *Writer) Write() error {
	r := w.src.Status().Report(time.Now())
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	return fsutil.WriteFileAtomic(w.path, append(b, '\n'), 0o644)
}

// Start writes on every status change (coalesced) and every refresh interval.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.sctx = stopper.WithContext(ctx)
	w.write()
	w.sctx.Go(func(sctx *stopper.Context) error {
		t := time.NewTicker(w.refresh)
		defer t.Stop()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-ctx.Done():
				return nil
			case <-w.src.Changes():
			case <-t.C:
			}
			w.write()
		}
	})
}

func (w *Writer) write() {
	if err := w.Write(); err != nil {
		w.log.Warn("write status file", "path", w.path, "error", err)
	}
}

// Close stops the writer and leaves a final report behind.
func (w *Writer) Close() error {
	if w.sctx != nil {
		w.cancel()
		w.sctx.Stop(time.Second)
		_ = w.sctx.Wait()
	}
	return w.Write()
}

// Read parses a status file written by Writer.
func Read(path string) (supervisor.Report, error) {
	var r supervisor.Report
	b, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("parse status file %s: %w", path, err)
	}
	return r, nil
}
