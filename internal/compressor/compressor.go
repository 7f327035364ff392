// Package compressor streams the finished raw image through the chosen
// codec and writes a companion checksum file, per spec §4.9.
package compressor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
	"github.com/aosc-dev/mkrawimg-go/internal/utils/logger"
)

// Codec selects the compression applied to the finished raw image.
type Codec string

const (
	CodecNone Codec = "none"
	CodecXZ   Codec = "xz"
	CodecZstd Codec = "zstd"
)

// blockSize is the chunk size the raw image is streamed through the
// codec's encoder in, per spec §4.9 ("fixed-size blocks, e.g. 4 MiB").
const blockSize = 4 * 1024 * 1024

var log = logger.Logger()

// Result is what a build reports for its finished artifact.
type Result struct {
	ArtifactPath string
	SHA256       string
}

// Extension returns the file extension a codec's output is named with.
func Extension(codec Codec) string {
	switch codec {
	case CodecXZ:
		return ".xz"
	case CodecZstd:
		return ".zst"
	default:
		return ".img"
	}
}

// Compress encodes rawPath with codec, producing `<rawPath><ext>`, removes
// the uncompressed intermediate (unless codec is None, in which case the
// raw file itself becomes the artifact), and writes a BSD-format SHA-256
// checksum file alongside it.
func Compress(rawPath string, codec Codec) (*Result, error) {
	artifactPath := rawPath + Extension(codec)

	if codec == CodecNone {
		if artifactPath != rawPath {
			if err := os.Rename(rawPath, artifactPath); err != nil {
				return nil, mkerrors.CompressionFailed(string(codec), "rename", err)
			}
		}
	} else {
		if err := streamCompress(rawPath, artifactPath, codec); err != nil {
			return nil, err
		}
		if err := os.Remove(rawPath); err != nil {
			log.Warnf("failed to remove uncompressed intermediate %s: %v", rawPath, err)
		}
	}

	sum, err := sha256File(artifactPath)
	if err != nil {
		return nil, mkerrors.ChecksumFailed(err)
	}
	if err := writeChecksumFile(artifactPath, sum); err != nil {
		return nil, mkerrors.ChecksumFailed(err)
	}

	log.Infof("compressed %s -> %s (%s)", rawPath, artifactPath, codec)
	return &Result{ArtifactPath: artifactPath, SHA256: sum}, nil
}

func streamCompress(srcPath, dstPath string, codec Codec) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return mkerrors.CompressionFailed(string(codec), "open-source", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return mkerrors.CompressionFailed(string(codec), "create-destination", err)
	}
	defer dst.Close()

	encoder, closeEncoder, err := newEncoder(dst, codec)
	if err != nil {
		return mkerrors.CompressionFailed(string(codec), "init-encoder", err)
	}

	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(encoder, src, buf); err != nil {
		closeEncoder()
		return mkerrors.CompressionFailed(string(codec), "stream", err)
	}
	if err := closeEncoder(); err != nil {
		return mkerrors.CompressionFailed(string(codec), "finalize", err)
	}
	return nil
}

// newEncoder returns a writer that compresses everything written to it
// into w, and a close function that must be called to flush the final
// frame before w is safe to close.
func newEncoder(w io.Writer, codec Codec) (io.Writer, func() error, error) {
	switch codec {
	case CodecXZ:
		// Default WriterConfig dict size corresponds to xz -6; the package
		// exposes no parallel block encoder, so this is single-stream.
		cfg := xz.WriterConfig{}
		xw, err := cfg.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return xw, xw.Close, nil

	case CodecZstd:
		zw, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedBestCompression),
			zstd.WithEncoderConcurrency(runtime.NumCPU()),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zw, zw.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeChecksumFile writes `<artifactPath>.sha256` in the BSD
// `SHA256 (<file>) = <hex>` format.
func writeChecksumFile(artifactPath, sum string) error {
	base := baseName(artifactPath)
	line := fmt.Sprintf("SHA256 (%s) = %s\n", base, sum)
	return os.WriteFile(artifactPath+".sha256", []byte(line), 0o644)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
