package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"echo":"` + string(body) + `"}`))
}

func gzipBody(t *testing.T, s string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name             string
		body             string
		compressRequest  bool
		acceptEncoding   string
		wantEncoding     string
		wantBodyContains string
	}{
		{
			name:             "plain request, client accepts gzip",
			body:             `{"update_id":1}`,
			acceptEncoding:   "gzip",
			wantEncoding:     "gzip",
			wantBodyContains: `{"update_id":1}`,
		},
		{
			name:             "plain request, client does not accept gzip",
			body:             "plain",
			acceptEncoding:   "",
			wantEncoding:     "",
			wantBodyContains: "plain",
		},
		{
			name:             "compressed request body",
			body:             "compressed payload",
			compressRequest:  true,
			acceptEncoding:   "gzip",
			wantEncoding:     "gzip",
			wantBodyContains: "compressed payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestBody io.Reader = strings.NewReader(tt.body)
			if tt.compressRequest {
				requestBody = gzipBody(t, tt.body)
			}

			req := httptest.NewRequest(http.MethodPost, "/test", requestBody)
			req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			if tt.compressRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", ce, tt.wantEncoding)
			}

			reader := io.Reader(res.Body)
			if res.Header.Get("Content-Encoding") == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			body, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if !strings.Contains(string(body), tt.wantBodyContains) {
				t.Fatalf("body %q does not contain %q", string(body), tt.wantBodyContains)
			}
		})
	}
}

func TestGzipMiddleware_CorruptedRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("not gzip at all"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

	res := w.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}
