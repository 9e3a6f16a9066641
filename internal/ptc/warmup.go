package ptc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/dbt/internal/guest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// TranslateFunc compiles and installs one profiled function.
type TranslateFunc func(ctx context.Context, address uint64, mode guest.ExecutionMode, highCq bool) error

type WarmupOptions struct {
	// Workers bounds concurrent translations. Zero uses GOMAXPROCS.
	Workers int

	// Progress receives a progress bar when it is a terminal.
	Progress io.Writer

	Logger *slog.Logger
}

// Warmup translates every profiled function ahead of execution. Individual
// failures are logged and skipped. It returns the number of functions
// translated.
func Warmup(ctx context.Context, entries map[uint64]Entry, translate TranslateFunc, opts WarmupOptions) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	addrs := make([]uint64, 0, len(entries))
	for addr := range entries {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var bar *progressbar.ProgressBar
	if isTerminal(opts.Progress) && len(addrs) > 0 {
		bar = progressbar.NewOptions(len(addrs),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("ptc warmup"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
	}

	var translated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, addr := range addrs {
		e := entries[addr]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := translate(gctx, addr, e.Mode, e.HighCq); err != nil {
				logger.Warn("warmup translation failed", "address", fmt.Sprintf("0x%x", addr), "mode", e.Mode, "error", err)
			} else {
				translated.Add(1)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	n := int(translated.Load())
	logger.Info("ptc warmup complete", "translated", n, "profiled", len(addrs))
	return n, err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
