package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name           string
		configuredKey  string
		header         string
		expectedStatus int
	}{
		{"Valid Key", "secret", "secret", http.StatusTeapot},
		{"Missing Key", "secret", "", http.StatusUnauthorized},
		{"Wrong Key", "secret", "guess", http.StatusUnauthorized},
		{"No Key Configured", "", "anything", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/bans/T1", nil)
			if tc.header != "" {
				req.Header.Set(APIKeyHeader, tc.header)
			}
			rr := httptest.NewRecorder()

			Auth(tc.configuredKey, logger)(ok).ServeHTTP(rr, req)

			if rr.Code != tc.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tc.expectedStatus)
			}
		})
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tenants/T1/texts", nil))

	out := buf.String()
	if !strings.Contains(out, "status=201") || !strings.Contains(out, "path=/tenants/T1/texts") {
		t.Errorf("log line = %q", out)
	}
}
