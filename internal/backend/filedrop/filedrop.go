// Package filedrop delivers received message units to the business
// application by writing them to a directory. Each unit is written as an
// ebMS3 envelope holding its header, one file per unit. Files appear
// atomically: they are written under a temporary name and renamed.
//
// With compression enabled files are GZIP compressed and carry the ".gz"
// extension. ReadFile reads both forms.
package filedrop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/ebms"
	"github.com/sirosfoundation/go-msh/pkg/message"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)

// Deliverer writes message units to a directory
type Deliverer struct {
	dir        string
	compressor *compression.Compressor
	logger     *slog.Logger
}

// Option configures a Deliverer
type Option func(*Deliverer)

// WithCompression compresses delivered files with c
func WithCompression(c *compression.Compressor) Option {
	return func(d *Deliverer) {
		d.compressor = c
	}
}

// New creates a deliverer for dir, creating the directory when needed
func New(dir string, logger *slog.Logger, opts ...Option) (*Deliverer, error) {
	if dir == "" {
		return nil, fmt.Errorf("delivery directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating delivery directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deliverer{dir: dir, logger: logger.With("component", "filedrop")}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dir returns the delivery directory
func (d *Deliverer) Dir() string {
	return d.dir
}

// FileName returns the name of the file a unit is delivered to
func FileName(unit *message.MessageUnit) string {
	id := unsafeChars.ReplaceAllString(unit.MessageID, "_")
	if id == "" {
		id = unit.CoreID
	}
	return strings.ToLower(string(unit.Kind)) + "-" + id + ".xml"
}

func (d *Deliverer) fileName(unit *message.MessageUnit) string {
	if d.compressor != nil {
		return FileName(unit) + compression.Extension
	}
	return FileName(unit)
}

// Deliver writes the unit. An existing file for the same unit is replaced.
func (d *Deliverer) Deliver(ctx context.Context, unit *message.MessageUnit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ebms.Envelope(unit)
	if err != nil {
		return fmt.Errorf("rendering %s: %w", unit.MessageID, err)
	}
	if d.compressor != nil {
		if data, err = d.compressor.Compress(data); err != nil {
			return fmt.Errorf("compressing %s: %w", unit.MessageID, err)
		}
	}

	tmp, err := os.CreateTemp(d.dir, ".delivery-*")
	if err != nil {
		return fmt.Errorf("creating delivery file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after the rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing delivery file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing delivery file: %w", err)
	}

	path := filepath.Join(d.dir, d.fileName(unit))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing delivery file: %w", err)
	}
	d.logger.Debug("message unit delivered", "message_id", unit.MessageID, "kind", unit.Kind, "file", path)
	return nil
}

// ReadFile parses a delivered file, decompressing it when needed
func ReadFile(path string) ([]*message.MessageUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if compression.IsCompressed(data) {
		if data, err = compression.NewCompressor().Decompress(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return ebms.Parse(data)
}
