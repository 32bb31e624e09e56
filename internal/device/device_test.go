package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPControllerExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"feeder started"}`))
	}))
	defer srv.Close()

	c := NewHTTPController(srv.URL, 2*time.Second)
	result, err := c.Execute(context.Background(), "sess-1", "feed.start")
	require.NoError(t, err)
	assert.Equal(t, "feeder started", result)
}

func TestHTTPControllerExecuteNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHTTPController(srv.URL, 2*time.Second)
	_, err := c.Execute(context.Background(), "sess-1", "feed.start")
	assert.Error(t, err)
}
