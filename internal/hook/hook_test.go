package hook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmkit/filemanager/internal/hook"
)

func fastSender(t *testing.T, url string, opts ...hook.SenderOption) *hook.Sender {
	t.Helper()
	opts = append([]hook.SenderOption{
		hook.WithBackoff(hook.ExponentialBackoff{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	}, opts...)
	s, err := hook.NewSender(url, opts...)
	require.NoError(t, err)
	return s
}

func TestNewSender(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "ftp://x", "/relative", "http://"} {
		_, err := hook.NewSender(endpoint)
		assert.ErrorIs(t, err, hook.ErrInvalidConfiguration, endpoint)
	}
}

func TestSender_SignedDelivery(t *testing.T) {
	t.Parallel()

	var got hook.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := hook.Verify("s3cret", body, r.Header.Get(hook.HeaderSignature), r.Header.Get(hook.HeaderTimestamp), time.Minute); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	s := fastSender(t, srv.URL, hook.WithSecret("s3cret"))
	err := s.Send(context.Background(), hook.Event{ID: "e1", Action: hook.ActionArchive, FileUID: "f1", UserUID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "f1", got.FileUID)
	assert.Equal(t, hook.ActionArchive, got.Action)
}

func TestSender_Retries(t *testing.T) {
	t.Parallel()

	t.Run("transient failures are retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		require.NoError(t, fastSender(t, srv.URL).Send(context.Background(), hook.Event{ID: "e"}))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(srv.Close)

		err := fastSender(t, srv.URL).Send(context.Background(), hook.Event{ID: "e"})
		assert.ErrorIs(t, err, hook.ErrPermanentFailure)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		t.Cleanup(srv.Close)

		err := fastSender(t, srv.URL, hook.WithMaxRetries(2)).Send(context.Background(), hook.Event{ID: "e"})
		assert.ErrorIs(t, err, hook.ErrDeliveryFailed)
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"1"}`)
	ts := time.Now().Unix()
	sig := hook.Sign("k", ts, payload)

	require.NoError(t, hook.Verify("k", payload, sig, strconv.FormatInt(ts, 10), time.Minute))
	assert.ErrorIs(t, hook.Verify("other", payload, sig, strconv.FormatInt(ts, 10), time.Minute), hook.ErrInvalidSignature)
	assert.ErrorIs(t, hook.Verify("k", payload, sig, "nan", 0), hook.ErrInvalidSignature)

	old := time.Now().Add(-time.Hour).Unix()
	assert.ErrorIs(t, hook.Verify("k", payload, hook.Sign("k", old, payload), strconv.FormatInt(old, 10), time.Minute), hook.ErrInvalidSignature)
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := hook.ExponentialBackoff{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}
	assert.Equal(t, time.Duration(0), b.NextInterval(0))
	assert.Equal(t, 100*time.Millisecond, b.NextInterval(1))
	assert.Equal(t, 200*time.Millisecond, b.NextInterval(2))
	assert.Equal(t, 800*time.Millisecond, b.NextInterval(4))
	assert.Equal(t, time.Second, b.NextInterval(10))
}

type recorder struct {
	mu     sync.Mutex
	events []hook.Event
	err    error
}

func (r *recorder) Send(_ context.Context, e hook.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("delivers and drains on close", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		d := hook.NewDispatcher(rec, hook.WithWorkers(3))

		for range 10 {
			d.Emit(context.Background(), hook.Event{Action: hook.ActionPatch, FileUID: "f1"})
		}
		require.NoError(t, d.Close(context.Background()))
		assert.Equal(t, 10, rec.count())

		rec.mu.Lock()
		assert.NotEmpty(t, rec.events[0].ID)
		assert.False(t, rec.events[0].At.IsZero())
		rec.mu.Unlock()

		d.Emit(context.Background(), hook.Event{Action: hook.ActionPatch})
		assert.Equal(t, 10, rec.count(), "events after close are dropped")
	})

	t.Run("failures are swallowed", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{err: errors.New("endpoint down")}
		d := hook.NewDispatcher(rec)
		d.Emit(context.Background(), hook.Event{Action: hook.ActionDelete, FileUID: "f1"})
		require.NoError(t, d.Close(context.Background()))
		assert.Equal(t, 1, rec.count())
	})

	t.Run("emit survives canceled request context", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		d := hook.NewDispatcher(rec)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d.Emit(ctx, hook.Event{Action: hook.ActionRename, FileUID: "f1"})
		require.NoError(t, d.Close(context.Background()))
		assert.Equal(t, 1, rec.count())
	})
}
