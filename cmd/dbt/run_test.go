//go:build linux && amd64

package main

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/dbt/internal/config"
	"github.com/tinyrange/dbt/internal/guest"
	"github.com/tinyrange/dbt/internal/ptc"
)

func writeImage(t *testing.T, dir string, words ...uint32) string {
	t.Helper()
	image := make([]byte, 0, 4*len(words))
	for _, w := range words {
		image = binary.LittleEndian.AppendUint32(image, w)
	}
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunWarmsUpProfiledFunctions(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	dir := t.TempDir()
	image := writeImage(t, dir,
		0xd2800060, // movz x0, #3
		0xd2800ba8, // movz x8, #93
		0xd4000001, // svc #0
	)
	profile := ptc.NewProfiler(ptc.ProfilerOptions{
		Path:      filepath.Join(dir, config.ProfileFilename),
		Enabled:   true,
		StaticEnd: ^uint64(0),
	})
	profile.AddEntry(0x10000, guest.ModeA64, false)
	if err := profile.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code, err := run([]string{"-ptc", "-cache-dir", dir, "-memory", "1M", "-load-address", "0x10000", image}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	logs := stderr.String()
	if n := strings.Count(logs, "ptc warmup complete"); n != 1 {
		t.Fatalf("warmup completion logged %d times, want once:\n%s", n, logs)
	}
	if !strings.Contains(logs, "translated=1") {
		t.Fatalf("warmup did not report the profiled function:\n%s", logs)
	}
}
