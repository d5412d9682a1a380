package facematch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFailsFastBeforeHealthProbe(t *testing.T) {
	c := NewClient("http://localhost:0", time.Second, false)
	_, _, err := c.Extract(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestHealthMarksReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding":      []float32{0.1, 0.2},
			"score":          0.9,
			"faces_detected": 1,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	assert.False(t, c.Ready())
	require.NoError(t, c.Health(context.Background()))
	assert.True(t, c.Ready())

	emb, score, err := c.Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, emb)
	assert.Equal(t, 0.9, score)
}

func TestWaitReadyRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	err := c.WaitReady(context.Background(), 5, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, c.Ready())
	assert.Equal(t, int32(3), calls.Load())
}

func TestLivenessVerdicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		require.Equal(t, "/liveness", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"is_live":    false,
			"confidence": 0.3,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	require.NoError(t, c.Health(context.Background()))

	res, err := c.Liveness(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.False(t, res.IsLive)
	assert.Equal(t, 0.3, res.Confidence)
}

func TestLivenessFailsFastBeforeHealthProbe(t *testing.T) {
	c := NewClient("http://localhost:0", time.Second, false)
	_, err := c.Liveness(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestLivenessSkipModeIsLive(t *testing.T) {
	c := NewClient("", time.Second, true)
	res, err := c.Liveness(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.True(t, res.IsLive)
}

func TestWaitReadyGivesUpAfterBoundedAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	err := c.WaitReady(context.Background(), 2, time.Millisecond)
	assert.Error(t, err)
	assert.False(t, c.Ready())
}

func TestExtractNoFaceSignals(t *testing.T) {
	t.Run("422 response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				return
			}
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, false)
		require.NoError(t, c.Health(context.Background()))
		_, _, err := c.Extract(context.Background(), []byte("img"))
		assert.ErrorIs(t, err, ErrNoFace)
	})

	t.Run("empty embedding", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}, "faces_detected": 0})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, false)
		require.NoError(t, c.Health(context.Background()))
		_, _, err := c.Extract(context.Background(), []byte("img"))
		assert.ErrorIs(t, err, ErrNoFace)
	})

	t.Run("multiple faces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1}, "faces_detected": 2})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, time.Second, false)
		require.NoError(t, c.Health(context.Background()))
		_, _, err := c.Extract(context.Background(), []byte("img"))
		assert.ErrorIs(t, err, ErrNoFace)
	})
}

func TestSkipModeIsDeterministic(t *testing.T) {
	c := NewClient("", time.Second, true)
	assert.True(t, c.Ready())
	a, _, err := c.Extract(context.Background(), []byte("same image"))
	require.NoError(t, err)
	b, _, err := c.Extract(context.Background(), []byte("same image"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
