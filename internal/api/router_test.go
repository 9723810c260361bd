package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"

	"collabsync/internal/room"
)

func TestHealthEndpoint(t *testing.T) {
	router := SetupRoutes(room.NewHandler(nil))
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, string(body), `{"status":"ok"}`)
}

func TestUnknownRouteIs404(t *testing.T) {
	router := SetupRoutes(room.NewHandler(nil))
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/nope")
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}
