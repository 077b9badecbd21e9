package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec names a snapshot payload compression.
type Codec string

const (
	None Codec = "none"
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
)

func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case None, Gzip, Zstd:
		return c, nil
	case "":
		return None, nil
	default:
		return "", fmt.Errorf("unknown compression codec %q", s)
	}
}

// NewWriter returns a writer compressing into w. Closing it flushes the
// codec but leaves w open.
func NewWriter(codec Codec, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case None, "":
		return nopCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}
}

// NewReader returns a reader decompressing r.
func NewReader(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zstdReadCloser{dec}, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
