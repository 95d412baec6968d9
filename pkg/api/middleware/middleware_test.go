package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/logging"
)

func TestBodySizeLimit(t *testing.T) {
	rec := &recorder{}
	handler := BodySizeLimit(10, rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			if !IsBodyTooLarge(err) {
				t.Errorf("read error = %v, want MaxBytesError", err)
			}
			http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		body           string
		contentLength  int64
		want           int
		wantRejections int
	}{
		{"small", "ok", 2, http.StatusOK, 0},
		{"declared too large", "", 1000, http.StatusRequestEntityTooLarge, 1},
		{"chunked too large", strings.Repeat("x", 100), -1, http.StatusRequestEntityTooLarge, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.ContentLength = tt.contentLength
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if got := rec.rejectionCount(ReasonBodyTooLarge); got != tt.wantRejections {
				t.Errorf("rejections = %d, want %d", got, tt.wantRejections)
			}
		})
	}
}

func TestBodySizeLimit_JSONError(t *testing.T) {
	handler := BodySizeLimit(10, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with oversized declared body")
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	req.ContentLength = 1000
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q is not JSON: %v", rr.Body.String(), err)
	}
	if body.Code != http.StatusRequestEntityTooLarge || body.Error != "Request Entity Too Large" {
		t.Errorf("error body = %+v", body)
	}
	if !strings.Contains(body.Message, "10 bytes") {
		t.Errorf("message = %q", body.Message)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123<script>")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc-123script" || rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("request id = %q, header = %q", seen, rr.Header().Get(RequestIDHeader))
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 {
		t.Errorf("generated id %q is not a UUID", seen)
	}
}

func TestPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewJSONLogger(&buf, logging.ErrorLevel)
	handler := PanicRecovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("index exploded")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "exploded") {
		t.Error("panic value leaked to the client")
	}
	if !strings.Contains(buf.String(), "index exploded") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewJSONLogger(&buf, logging.DebugLevel)
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), RequestID(), Logging(logger))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"status":502`, `"request_id"`, `"path":"/status"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
}

type recorder struct {
	mu         sync.Mutex
	inFlight   int
	routes     []string
	statuses   []string
	rejections []string
}

func (r *recorder) RecordHTTPRequest(method, path, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, path)
	r.statuses = append(r.statuses, status)
}
func (r *recorder) IncHTTPRequestsInFlight() { r.mu.Lock(); r.inFlight++; r.mu.Unlock() }
func (r *recorder) DecHTTPRequestsInFlight() { r.mu.Lock(); r.inFlight--; r.mu.Unlock() }
func (r *recorder) RecordRejection(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections = append(r.rejections, reason)
}

func (r *recorder) rejectionCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.rejections {
		if got == reason {
			n++
		}
	}
	return n
}

// TestMetrics tests that requests are labelled by route pattern, not raw path
func TestMetrics(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /audit/node/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Metrics(rec)(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/audit/node/42", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if rec.inFlight != 0 {
		t.Errorf("in flight = %d", rec.inFlight)
	}
	if rec.routes[0] != "GET /audit/node/{id}" || rec.statuses[0] != "418" {
		t.Errorf("first request recorded as %s %s", rec.routes[0], rec.statuses[0])
	}
	if rec.routes[1] != "unmatched" && rec.routes[1] != "" {
		t.Errorf("unmatched route recorded as %q", rec.routes[1])
	}

	// nil recorder passes through
	rr := httptest.NewRecorder()
	Metrics(nil)(mux).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/node/1", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
}
