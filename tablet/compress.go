package tablet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tabletscan/internal/conv"
)

// Compression selects the page compression algorithm of a segment.
type Compression uint8

const (
	// CompressionNone stores pages uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast, hot data).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression (better ratio).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Stored page layout: [rawLen uint32][compLen uint32][bytes...].
// compLen == 0 marks an uncompressed page.
const pageHeaderSize = 8

// compressPage encodes a raw page for storage. Pages that do not
// compress to at most 90% of their raw size are stored uncompressed;
// the decompression cost is not worth single-digit savings.
func compressPage(raw []byte, c Compression) ([]byte, error) {
	rawLen, err := conv.IntToUint32(len(raw))
	if err != nil {
		return nil, err
	}

	var compressed []byte

	switch c {
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, err
		}
		compressed = dst[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	}

	if len(compressed) == 0 || len(compressed) > len(raw)*9/10 {
		out := make([]byte, pageHeaderSize+len(raw))
		binary.LittleEndian.PutUint32(out[0:], rawLen)
		binary.LittleEndian.PutUint32(out[4:], 0)
		copy(out[pageHeaderSize:], raw)
		return out, nil
	}

	out := make([]byte, pageHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], rawLen)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[pageHeaderSize:], compressed)
	return out, nil
}

// decompressPage decodes a stored page back to its raw bytes.
func decompressPage(stored []byte, c Compression) ([]byte, error) {
	if len(stored) < pageHeaderSize {
		return nil, errors.New("page too small for header")
	}

	rawLen := binary.LittleEndian.Uint32(stored[0:])
	compLen := binary.LittleEndian.Uint32(stored[4:])

	if compLen == 0 {
		if uint32(len(stored)) < pageHeaderSize+rawLen {
			return nil, errors.New("truncated page")
		}
		return stored[pageHeaderSize : pageHeaderSize+rawLen], nil
	}

	if uint32(len(stored)) < pageHeaderSize+compLen {
		return nil, errors.New("truncated compressed page")
	}
	body := stored[pageHeaderSize : pageHeaderSize+compLen]

	switch c {
	case CompressionLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawLen {
			return nil, errors.New("page size mismatch after decompression")
		}
		return raw, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		raw, err := dec.DecodeAll(body, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, err
		}
		if uint32(len(raw)) != rawLen {
			return nil, errors.New("page size mismatch after decompression")
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
