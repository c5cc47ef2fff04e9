package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "courtpubs-test", Timeout: 2 * time.Second}, nil)
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(body))
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	f := New(Config{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, nil)

	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchClientErrorDoesNotRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, nil)

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var ferr *scrape.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, scrape.FetchClientError, ferr.Kind)
	assert.Equal(t, http.StatusNotFound, ferr.Status)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestFetchExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{
		Timeout:     2 * time.Second,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, nil)

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var ferr *scrape.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, scrape.FetchExhausted, ferr.Kind)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestFetchHonorsMinDelay(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 2 * time.Second, MinDelay: 80 * time.Millisecond}, nil)

	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond,
		"second fetch must wait out the inter-request delay")
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("slow"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()

	f := New(Config{BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond}, nil)
	assert.Equal(t, 100*time.Millisecond, f.backoff(1))
	assert.Equal(t, 200*time.Millisecond, f.backoff(2))
	assert.Equal(t, 300*time.Millisecond, f.backoff(3))
	assert.Equal(t, 300*time.Millisecond, f.backoff(12))
}
