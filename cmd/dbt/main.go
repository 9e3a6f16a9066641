// Command dbt runs a flat ARM guest image under the dynamic binary
// translator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tebeka/atexit"

	"github.com/tinyrange/dbt/internal/config"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ptc"
	"github.com/tinyrange/dbt/internal/timeslice"
	"github.com/tinyrange/dbt/internal/translator"
)

func main() {
	code, err := run(os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbt: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	atexit.Exit(code)
}

type options struct {
	timeslice string
	dump      bool
	cfg       config.Config
}

// parseFlags loads the configuration file, if any, and applies the flags
// that were given explicitly on top of it.
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("dbt", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML configuration file")
	enablePTC := fs.Bool("ptc", false, "Enable the persistent translation cache")
	highCqOnly := fs.Bool("high-cq-only", false, "Compile every function at high quality")
	memory := fs.String("memory", "", "Guest memory size (e.g. 64M)")
	loadAddress := fs.String("load-address", "", "Guest address the image is loaded at")
	entry := fs.String("entry", "", "Guest entry point (default: load address)")
	mode := fs.String("mode", "", "Guest execution mode (a64, t32)")
	cacheDir := fs.String("cache-dir", "", "Persistent cache directory")
	ts := fs.String("timeslice", "", "Write a timeslice recording to this file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	dump := fs.Bool("dump", false, "Disassemble the translated entry function and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: dbt [flags] <image>\n\n")
		fmt.Fprintf(stderr, "Run a flat ARM binary under the dynamic binary translator.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "ptc":
			cfg.PTC.Enabled = *enablePTC
		case "high-cq-only":
			cfg.Translator.HighCqOnly = *highCqOnly
		case "memory":
			cfg.Guest.MemorySize, err = config.ParseSize(*memory)
		case "load-address":
			old := cfg.Guest.LoadAddress
			cfg.Guest.LoadAddress, err = config.ParseSize(*loadAddress)
			if cfg.Guest.Entry == old {
				cfg.Guest.Entry = cfg.Guest.LoadAddress
			}
		case "mode":
			cfg.Guest.Mode = *mode
		case "cache-dir":
			cfg.PTC.CacheDir = *cacheDir
		case "debug":
			if *debug {
				cfg.LogLevel = "debug"
			}
		}
		if err != nil {
			err = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	if err != nil {
		return nil, err
	}
	// Applied last so an explicit entry wins over the load address default.
	if *entry != "" {
		if cfg.Guest.Entry, err = config.ParseSize(*entry); err != nil {
			return nil, fmt.Errorf("-entry: %w", err)
		}
	}
	if fs.NArg() > 0 {
		cfg.Guest.Image = fs.Arg(0)
	}
	if cfg.Guest.Image == "" {
		fs.Usage()
		return nil, fmt.Errorf("guest image required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &options{timeslice: *ts, dump: *dump, cfg: cfg}, nil
}

func run(args []string, stdout, stderr io.Writer) (int, error) {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return 2, err
	}
	cfg := opts.cfg

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if opts.timeslice != "" {
		f, err := os.Create(opts.timeslice)
		if err != nil {
			return 1, fmt.Errorf("create timeslice file: %w", err)
		}
		closer, err := timeslice.StartRecording(f)
		if err != nil {
			f.Close()
			return 1, err
		}
		atexit.Register(func() {
			if err := closer.Close(); err != nil {
				logger.Warn("close timeslice recording", "error", err)
			}
			f.Close()
		})
	}

	mode, _ := cfg.Mode()
	image, err := os.ReadFile(cfg.Guest.Image)
	if err != nil {
		return 1, fmt.Errorf("read guest image: %w", err)
	}
	mem, err := loadImage(image, cfg.Guest.MemorySize, cfg.Guest.LoadAddress)
	if err != nil {
		return 1, err
	}

	var profiler *ptc.Profiler
	var codeCache *ptc.CodeCache
	if cfg.PTC.Enabled {
		if err := os.MkdirAll(cfg.PTC.CacheDir, 0o755); err != nil {
			return 1, fmt.Errorf("create cache directory: %w", err)
		}
		profiler = ptc.NewProfiler(ptc.ProfilerOptions{
			Path:         cfg.ProfilePath(),
			Enabled:      true,
			StaticStart:  cfg.Guest.LoadAddress,
			StaticEnd:    cfg.Guest.LoadAddress + uint64(len(image)),
			SaveInterval: cfg.PTC.SaveInterval,
			Logger:       logger,
		})
		profiler.Load()
		if cfg.PTC.CodeCache {
			codeCache = ptc.OpenCodeCache(cfg.CodeCachePath(), logger)
		}
	}

	shim := &syscallShim{mem: mem, stdout: stdout, stderr: stderr, logger: logger}
	tr, err := translator.New(mem, translator.Options{
		HighCqOnly:      cfg.Translator.HighCqOnly,
		TierUpThreshold: cfg.TierUpThreshold(),
		TierUpWorkers:   cfg.Translator.Workers,
		MaxSpillBytes:   cfg.Translator.MaxSpillBytes,
		Profiler:        profiler,
		CodeCache:       codeCache,
		SupervisorCall:  shim.handle,
		Logger:          logger,
	})
	if err != nil {
		return 1, err
	}
	atexit.Register(func() {
		if err := tr.Shutdown(); err != nil {
			logger.Warn("translator shutdown", "error", err)
		}
	})

	if opts.dump {
		return 0, dumpFunction(stdout, tr, cfg.Guest.Entry, mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if entries := warmupEntries(profiler); len(entries) > 0 {
		if _, err := ptc.Warmup(ctx, entries, tr.Translate, ptc.WarmupOptions{
			Workers:  cfg.Translator.Workers,
			Progress: stderr,
			Logger:   logger,
		}); err != nil {
			return 1, fmt.Errorf("ptc warmup: %w", err)
		}
	}
	if profiler != nil {
		profiler.Start()
	}

	ec := guest.NewExecutionContext(mem, mode)
	ec.PC = cfg.Guest.Entry
	setStackPointer(ec, cfg.Guest.MemorySize)

	logger.Debug("starting guest", "entry", fmt.Sprintf("0x%x", ec.PC), "mode", mode)
	if err := tr.Execute(ctx, ec); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130, errors.New("interrupted")
		}
		return 1, err
	}
	return shim.exitCode, nil
}

// loadImage maps all of guest memory and copies image in at address.
func loadImage(image []byte, size, address uint64) (*guest.Memory, error) {
	if uint64(len(image)) > size || address > size-uint64(len(image)) {
		return nil, fmt.Errorf("image of %d bytes does not fit at 0x%x in 0x%x bytes of memory", len(image), address, size)
	}
	mem, err := guest.NewMemory(size)
	if err != nil {
		return nil, err
	}
	if err := mem.Map(0, size); err != nil {
		return nil, err
	}
	if err := mem.Write(address, image); err != nil {
		return nil, fmt.Errorf("load guest image: %w", err)
	}
	return mem, nil
}

func warmupEntries(p *ptc.Profiler) map[uint64]ptc.Entry {
	if !p.Enabled() {
		return nil
	}
	return p.Entries()
}

// setStackPointer points the guest stack at the top of memory.
func setStackPointer(ec *guest.ExecutionContext, size uint64) {
	top := size &^ 15
	if ec.Mode == guest.ModeT32 {
		ec.X[guest.RegisterSPT32] = min(top, 0xfffffff0)
		return
	}
	ec.X[guest.RegisterSP] = top
}
