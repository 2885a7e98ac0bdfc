package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopback(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: ":8080", want: "127.0.0.1:8080"},
		{in: "0.0.0.0:9000", want: "127.0.0.1:9000"},
		{in: "[::]:9000", want: "127.0.0.1:9000"},
		{in: "10.0.0.5:8080", want: "10.0.0.5:8080"},
		{in: "not-an-addr", want: "not-an-addr"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, loopback(tt.in))
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "healthy", status: http.StatusOK, body: `{"status":"ok"}`},
		{name: "database down", status: http.StatusServiceUnavailable, body: `{"status":"unavailable"}`, wantErr: "unhealthy: 503 unavailable"},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantErr: "decode health response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/health", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(server.Close)

			err := check(context.Background(), server.Listener.Addr().String())
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
