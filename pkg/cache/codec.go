package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Envelope layout:
//
//	offset 0  magic "ALPC"
//	offset 4  format version
//	offset 5  flags (bit 0: body is zstd compressed)
//	offset 6  body: JSON encoding of the value
const (
	FormatVersion byte = 1

	headerSize       = 6
	flagCompressed   = 1 << 0
	compressMinBytes = 1024
)

var magic = []byte("ALPC")

var (
	// ErrCorruptEntry marks a payload that cannot be decoded: truncated,
	// wrong magic, bad compression or invalid JSON.
	ErrCorruptEntry = errors.New("corrupt cache entry")
	// ErrUnsupportedVersion marks a well-formed payload written by a different
	// format version.
	ErrUnsupportedVersion = errors.New("unsupported cache entry version")
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create zstd encoder: %w", zstdErr)
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
		if zstdErr != nil {
			zstdErr = fmt.Errorf("failed to create zstd decoder: %w", zstdErr)
		}
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Encode serializes value into a versioned envelope. Bodies of at least 1 KiB
// are compressed when that makes them smaller.
func Encode(value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}

	var flags byte
	if len(body) >= compressMinBytes {
		enc, _, err := codecs()
		if err != nil {
			return nil, err
		}
		if compressed := enc.EncodeAll(body, nil); len(compressed) < len(body) {
			body = compressed
			flags |= flagCompressed
		}
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, magic...)
	out = append(out, FormatVersion, flags)
	return append(out, body...), nil
}

// Decode reverses Encode into out. The returned error wraps ErrCorruptEntry or
// ErrUnsupportedVersion so stores can report the reason for a miss.
func Decode(data []byte, out any) error {
	if len(data) < headerSize || !bytes.Equal(data[:len(magic)], magic) {
		return fmt.Errorf("%w: missing header", ErrCorruptEntry)
	}
	if v := data[len(magic)]; v != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, v, FormatVersion)
	}

	flags := data[len(magic)+1]
	body := data[headerSize:]
	if flags&flagCompressed != 0 {
		_, dec, err := codecs()
		if err != nil {
			return err
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return nil
}

// decodeReason labels a Decode failure for logging.
func decodeReason(err error) string {
	if errors.Is(err, ErrUnsupportedVersion) {
		return "unsupported_version"
	}
	return "corrupt"
}
