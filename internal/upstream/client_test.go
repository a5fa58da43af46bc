package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestClient(t *testing.T, baseURL string, log *zap.Logger) *Client {
	t.Helper()
	c, err := New(baseURL, NewHTTPClient(5*time.Second), fastPolicy(), log)
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New("http://localhost", nil, fastPolicy(), nil)
	assert.Error(t, err)

	_, err = New("  ", NewHTTPClient(time.Second), fastPolicy(), nil)
	assert.Error(t, err)

	c, err := New("http://localhost:11434/", NewHTTPClient(time.Second), fastPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", c.baseURL)
}

func TestCall_PostSendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"response":"hi","eval_count":3}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	raw, err := c.Call(context.Background(), http.MethodPost, "/api/generate", map[string]any{"model": "llama3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"hi","eval_count":3}`, string(raw))
}

func TestCall_GetSendsNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	raw, err := c.Call(context.Background(), http.MethodGet, "/api/tags", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"models":[]}`, string(raw))
}

func TestCall_FailsTwiceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"response":"ready"}`)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.ErrorLevel)
	c := newTestClient(t, srv.URL, zap.New(core))

	raw, err := c.Call(context.Background(), http.MethodPost, "/api/generate", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"ready"}`, string(raw))
	assert.Equal(t, int32(3), calls.Load())

	// Each failed attempt logs the backend body and the retry.
	assert.Equal(t, 2, logs.FilterMessage("Ollama API error").Len())
	assert.Equal(t, 2, logs.FilterMessage("ollama call failed, retrying").Len())
}

func TestCall_UpstreamErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model 'nope' not found"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Call(context.Background(), http.MethodPost, "/api/generate", map[string]any{"model": "nope"})

	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusNotFound, upErr.Status)
	assert.Contains(t, upErr.Body, "model 'nope' not found")
	assert.Contains(t, err.Error(), "Ollama API error")
	assert.Equal(t, int32(3), calls.Load(), "4xx is retried like any other failure")
}

func TestCall_TransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	core, logs := observer.New(zapcore.ErrorLevel)
	c := newTestClient(t, url, zap.New(core))

	_, err := c.Call(context.Background(), http.MethodGet, "/api/tags", nil)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "/api/tags", tErr.Endpoint)
	assert.Equal(t, 2, logs.FilterMessage("ollama call failed, retrying").Len())
	assert.Equal(t, 1, logs.FilterMessage("ollama call failed").Len())
}

func TestCall_InvalidJSONIsAFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, "not json")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Call(context.Background(), http.MethodGet, "/api/tags", nil)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_UnsupportedMethod(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Call(context.Background(), http.MethodDelete, "/api/delete", nil)

	assert.True(t, errors.Is(err, ErrUnsupportedMethod))
	assert.Equal(t, int32(0), calls.Load())
}

func TestCall_ContextCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, NewHTTPClient(5*time.Second), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
		MaxDelay:    time.Minute,
		Multiplier:  2,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Call(ctx, http.MethodGet, "/api/tags", nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_ConcurrentCallsDoNotSerialise(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), http.MethodGet, "/api/tags", nil)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return inFlight.Load() == n }, 5*time.Second, 10*time.Millisecond)
	close(release)

	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(n), peak.Load())
}
