package rpc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
)

// maxDecompressedSize bounds base64+zstd program payloads.
const maxDecompressedSize = 1 << 20

// DecodeProgram decodes program code from the specified encoding.
func DecodeProgram(encoded string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Decode(encoded)

	case EncodingBase64, "":
		return base64.StdEncoding.DecodeString(encoded)

	case EncodingBase64Zstd:
		compressed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
		return decompressZstd(compressed)
	}
	return nil, fmt.Errorf("unsupported encoding %q", encoding)
}

// EncodeProgram encodes program code for a verifyProgram request.
func EncodeProgram(code []byte, encoding Encoding) (string, error) {
	switch encoding {
	case EncodingBase58:
		return base58.Encode(code), nil

	case EncodingBase64, "":
		return base64.StdEncoding.EncodeToString(code), nil

	case EncodingBase64Zstd:
		compressed, err := compressZstd(code)
		if err != nil {
			return "", fmt.Errorf("zstd compression failed: %w", err)
		}
		return base64.StdEncoding.EncodeToString(compressed), nil
	}
	return "", fmt.Errorf("unsupported encoding %q", encoding)
}

// compressZstd compresses data using zstd.
func compressZstd(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressZstd decompresses zstd-compressed data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	out, err := io.ReadAll(io.LimitReader(decoder, maxDecompressedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("decompressed program exceeds %d bytes", maxDecompressedSize)
	}
	return out, nil
}
