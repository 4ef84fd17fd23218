// Package compression compresses rendered message units with GZIP
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

const (
	// MimeTypeGzip is the content type of GZIP compressed data
	MimeTypeGzip = "application/gzip"
	// Extension is appended to the names of compressed files
	Extension = ".gz"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Compressor compresses and decompresses data with a fixed level
type Compressor struct {
	level int
}

// NewCompressor creates a compressor with the default compression level
func NewCompressor() *Compressor {
	return &Compressor{level: gzip.DefaultCompression}
}

// NewCompressorWithLevel creates a compressor with the given level, see
// compress/gzip for the valid range
func NewCompressorWithLevel(level int) (*Compressor, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", level)
	}
	return &Compressor{level: level}, nil
}

// Compress compresses data
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressTo writes the compressed form of data to w
func (c *Compressor) CompressTo(w io.Writer, data []byte) error {
	zw, err := gzip.NewWriterLevel(w, c.level)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return fmt.Errorf("compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	return nil
}

// Decompress decompresses GZIP data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return buf.Bytes(), nil
}

// IsCompressed reports whether data starts with the GZIP magic number
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// ShouldCompress reports whether content of the given type benefits from
// compression
func ShouldCompress(contentType string) bool {
	switch contentType {
	case MimeTypeGzip, "application/x-gzip", "application/zip",
		"image/jpeg", "image/png", "video/mp4", "audio/mp3":
		return false
	}
	return true
}
