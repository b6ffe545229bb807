package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"nitro-bot/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthReflectsStore(t *testing.T) {
	ok := New(":0", repotest.Logger(), stubPinger{}, Handlers{}, "")
	assert.Equal(t, http.StatusOK, serve(ok.Handler(), http.MethodGet, "/healthz").Code)

	down := New(":0", repotest.Logger(), stubPinger{err: errors.New("down")}, Handlers{}, "")
	assert.Equal(t, http.StatusServiceUnavailable, serve(down.Handler(), http.MethodGet, "/healthz").Code)
}

func TestMountsHandlersUnderBasePath(t *testing.T) {
	hook := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	admin := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := New(":0", repotest.Logger(), nil, Handlers{Webhook: hook, Admin: admin}, "bot/")

	assert.Equal(t, http.StatusAccepted, serve(srv.Handler(), http.MethodPost, "/bot/webhook").Code)
	assert.Equal(t, http.StatusTeapot, serve(srv.Handler(), http.MethodGet, "/bot/admin/dashboard").Code)
	assert.Equal(t, http.StatusOK, serve(srv.Handler(), http.MethodGet, "/bot/metrics").Code)
	assert.Equal(t, http.StatusNotFound, serve(srv.Handler(), http.MethodPost, "/webhook").Code)
	assert.Equal(t, http.StatusNotFound, serve(srv.Handler(), http.MethodGet, "/botx/healthz").Code)
}

func TestNormaliseBasePath(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "bot": "/bot", "/bot/": "/bot", " /a/b ": "/a/b"}
	for in, want := range cases {
		assert.Equal(t, want, normaliseBasePath(in), in)
	}
}
