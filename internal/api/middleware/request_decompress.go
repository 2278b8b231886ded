package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const maxDecompressedBytes = 128 << 20 // 128MiB

// RequestDecompressionMiddleware transparently decodes request bodies sent with
// Content-Encoding gzip, zstd or br. net/http does not decode request bodies, so
// without this the chat handler would see compressed bytes and reject them as
// invalid JSON. Unknown encodings pass through untouched.
func RequestDecompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
		if enc == "" || enc == "identity" || c.Request.Body == nil {
			c.Next()
			return
		}

		reader, closeFn, err := newDecoder(enc, c.Request.Body)
		if err != nil {
			abortDecompress(c, http.StatusBadRequest, fmt.Sprintf("invalid %s request body", enc))
			return
		}
		if reader == nil {
			c.Next()
			return
		}
		defer closeFn()

		decoded, err := io.ReadAll(io.LimitReader(reader, maxDecompressedBytes+1))
		if err != nil {
			abortDecompress(c, http.StatusBadRequest, fmt.Sprintf("failed to decompress %s request body", enc))
			return
		}
		if int64(len(decoded)) > maxDecompressedBytes {
			abortDecompress(c, http.StatusRequestEntityTooLarge, "decompressed request body too large")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

// newDecoder returns a nil reader for encodings it does not handle.
func newDecoder(enc string, body io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.Contains(enc, "gzip"):
		gzr, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return gzr, func() { _ = gzr.Close() }, nil
	case strings.Contains(enc, "zstd"):
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case enc == "br":
		return brotli.NewReader(body), func() {}, nil
	default:
		return nil, nil, nil
	}
}

func abortDecompress(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
