// Package execrender implements the pipeline Exporter by shelling out to
// an external document converter.
package execrender

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/pipeline"
)

// Config controls the converter invocation.
type Config struct {
	// Binary is the converter executable, e.g. "pandoc".
	Binary string
	// ExtraArgs are inserted before the input/output arguments.
	ExtraArgs []string
	// OutputExt is the derived artifact extension, default ".pdf".
	OutputExt string
	// Timeout bounds one conversion. Zero means the caller's context rules.
	Timeout time.Duration
}

// Exporter renders a derived artifact next to the persisted one.
type Exporter struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs an Exporter.
func New(cfg Config, logger *zap.Logger) (*Exporter, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("converter binary is required")
	}
	if cfg.OutputExt == "" {
		cfg.OutputExt = ".pdf"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, logger: logger}, nil
}

// Export converts the persisted artifact at artifactURI and returns the
// derived file's URI. A missing converter or a converter rejection is
// permanent; only context expiry retries.
func (e *Exporter) Export(ctx context.Context, artifactURI string) (string, error) {
	path, ok := strings.CutPrefix(artifactURI, "file://")
	if !ok {
		return "", pipeline.Permanent(fmt.Errorf("exporter requires a file:// artifact, got %q", artifactURI))
	}

	binary, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		return "", pipeline.Permanent(fmt.Errorf("converter %q not found: %w", e.cfg.Binary, err))
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	outPath := strings.TrimSuffix(path, filepath.Ext(path)) + e.cfg.OutputExt
	args := append(append([]string(nil), e.cfg.ExtraArgs...), path, "-o", outPath)

	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", pipeline.Transient(fmt.Errorf("converter interrupted: %w", ctx.Err()))
		}
		return "", pipeline.Permanent(fmt.Errorf("converter failed: %w: %s", err, firstLine(stderr.String())))
	}
	e.logger.Debug("artifact exported",
		zap.String("input", path),
		zap.String("output", outPath),
		zap.Duration("took", time.Since(start)),
	)
	return "file://" + outPath, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Noop is an Exporter that skips rendering and reports the persisted
// artifact as the derived one. Used when export is disabled in config.
type Noop struct{}

// Export returns the input URI unchanged.
func (Noop) Export(_ context.Context, artifactURI string) (string, error) {
	return artifactURI, nil
}
