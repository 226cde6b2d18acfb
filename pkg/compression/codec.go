package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	None = "none"
	Gzip = "gzip"
	Zstd = "zstd"
)

var ErrUnknownCodec = errors.New("compression: unknown codec")

// Codec compresses single pages. Implementations are safe for concurrent use.
type Codec interface {
	Name() string
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch name {
	case "", Zstd:
		return newZstd()
	case Gzip:
		return gzipCodec{}, nil
	case None:
		return noneCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Name() string { return Zstd }

func (z *zstdCodec) Compress(dst, src []byte) []byte {
	return z.enc.EncodeAll(src, dst)
}

func (z *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, dst)
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return Gzip }

func (gzipCodec) Compress(dst, src []byte) []byte {
	buf := bytes.NewBuffer(dst)
	gz := gzip.NewWriter(buf)
	// writes into a bytes.Buffer do not fail
	_, _ = gz.Write(src)
	_ = gz.Close()
	return buf.Bytes()
}

func (gzipCodec) Decompress(dst, src []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, gz); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type noneCodec struct{}

func (noneCodec) Name() string { return None }

func (noneCodec) Compress(dst, src []byte) []byte {
	return append(dst, src...)
}

func (noneCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}
