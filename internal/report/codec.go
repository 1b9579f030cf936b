package report

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects how records are compressed on disk.
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecNone Codec = "none"
)

var codecs = []Codec{CodecZstd, CodecLZ4, CodecNone}

// ParseCodec parses a codec name. The empty string selects zstd.
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case "":
		return CodecZstd, nil
	case CodecZstd, CodecLZ4, CodecNone:
		return Codec(name), nil
	}
	return "", fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", name)
}

// ext is the file extension of a record written with c.
func (c Codec) ext() string {
	switch c {
	case CodecZstd:
		return ".json.zst"
	case CodecLZ4:
		return ".json.lz4"
	}
	return ".json"
}

// zstdEncoder and zstdDecoder are safe for concurrent use and reused
// across records.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("report: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("report: zstd decoder initialization failed: " + err.Error())
	}
}

func (c Codec) encode(data []byte) ([]byte, error) {
	switch c {
	case CodecZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	}
	return data, nil
}

func (c Codec) decode(data []byte) ([]byte, error) {
	switch c {
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case CodecLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	}
	return data, nil
}
