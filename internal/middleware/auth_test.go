package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "disabled", token: "", header: "", want: http.StatusOK},
		{name: "match", token: "s3cret", header: "s3cret", want: http.StatusOK},
		{name: "missing", token: "s3cret", header: "", want: http.StatusUnauthorized},
		{name: "mismatch", token: "s3cret", header: "guess", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/personas", nil)
			if tt.header != "" {
				req.Header.Set(TokenHeader, tt.header)
			}
			w := httptest.NewRecorder()
			RelayToken(tt.token)(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
