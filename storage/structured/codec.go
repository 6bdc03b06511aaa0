package structured

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

// Encoding identifies how a payload column is encoded.
type Encoding int

const (
	EncodingIdentity Encoding = 0
	EncodingZstd     Encoding = 1
)

// ErrUnknownEncoding is returned for payloads written with an unsupported encoding.
var ErrUnknownEncoding = errors.New("unknown payload encoding")

// Codec compresses record payloads above CompressionThreshold.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a reusable zstd encoder/decoder pair.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when it is large enough and compression actually helps.
func (c *Codec) Encode(data []byte) ([]byte, Encoding, error) {
	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.encoder == nil {
		return data, EncodingIdentity, nil
	}

	compressed := c.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, nil
	}
	return compressed, EncodingZstd, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(payload []byte, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingIdentity:
		return payload, nil
	case EncodingZstd:
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.decoder == nil {
			return nil, errors.New("codec closed")
		}
		data, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncoding, encoding)
	}
}
