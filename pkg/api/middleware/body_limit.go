package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ReasonBodyTooLarge labels admin requests refused for their body size.
const ReasonBodyTooLarge = "body_too_large"

// RejectionRecorder counts requests a middleware refused before or while the
// handler ran.
type RejectionRecorder interface {
	RecordRejection(reason string)
}

// BodySizeLimit caps admin request bodies at maxBytes. A declared
// Content-Length above the cap gets a 413 in the shard API's JSON error shape
// without reaching the handler. Chunked bodies are cut off by MaxBytesReader
// and the handler sees *http.MaxBytesError from its read. Both paths are
// counted once on rec, which may be nil.
func BodySizeLimit(maxBytes int64, rec RejectionRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				if rec != nil {
					rec.RecordRejection(ReasonBodyTooLarge)
				}
				writeTooLarge(w, maxBytes)
				return
			}
			r.Body = &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, maxBytes), rec: rec}
			next.ServeHTTP(w, r)
		})
	}
}

// IsBodyTooLarge reports whether err came from a body cut off by BodySizeLimit.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

type limitedBody struct {
	io.ReadCloser
	rec  RejectionRecorder
	once sync.Once
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && b.rec != nil && IsBodyTooLarge(err) {
		b.once.Do(func() { b.rec.RecordRejection(ReasonBodyTooLarge) })
	}
	return n, err
}

func writeTooLarge(w http.ResponseWriter, maxBytes int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	_ = json.NewEncoder(w).Encode(struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{
		Error:   http.StatusText(http.StatusRequestEntityTooLarge),
		Message: fmt.Sprintf("request body exceeds %d bytes", maxBytes),
		Code:    http.StatusRequestEntityTooLarge,
	})
}
