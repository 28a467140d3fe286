package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpsmartproxy/internal/protocol"
	"cdpsmartproxy/pkg/domain"
)

type memJournal struct {
	mu      sync.Mutex
	records []Record
}

func (j *memJournal) Record(_ context.Context, r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func (j *memJournal) kinds() []Kind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Kind, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Kind)
	}
	return out
}

func newTestManager(t *testing.T, h http.HandlerFunc) (*Manager, *memJournal) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	j := &memJournal{}
	m := NewManager(Options{
		ProxyHost:      srv.URL,
		APIKey:         "key",
		ClientIdentity: "zyte-smartproxy-cdp-extra/1.0.0",
		CreateTimeout:  5 * time.Second,
		Journal:        j,
	})
	return m, j
}

func TestTokenCreatesSession(t *testing.T) {
	m, j := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sessions", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "", pass)
		assert.Equal(t, "zyte-smartproxy-cdp-extra/1.0.0", r.Header.Get(protocol.HeaderClient))
		_, _ = w.Write([]byte("1234\n"))
	})

	assert.Equal(t, domain.SessionUnset, m.State())
	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234", token)
	assert.Equal(t, domain.SessionActive, m.State())
	assert.Equal(t, []Kind{KindCreated}, j.kinds())
}

func TestTokenSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte("shared"))
	})

	const n = 20
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", tokens[i])
	}
	assert.Equal(t, int64(1), m.Stats().Creations)
}

func TestTokenReusedUntilInvalidated(t *testing.T) {
	var calls atomic.Int32
	m, j := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			_, _ = w.Write([]byte("first"))
			return
		}
		_, _ = w.Write([]byte("second"))
	})

	ctx := context.Background()
	token, err := m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", token)

	token, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", token)
	assert.Equal(t, int32(1), calls.Load())

	m.Invalidate(protocol.BadSessionValue)
	assert.Equal(t, domain.SessionInvalidated, m.State())

	token, err = m.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", token)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []Kind{KindCreated, KindInvalidated, KindCreated}, j.kinds())
}

func TestInvalidateIsIdempotent(t *testing.T) {
	m, j := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("t"))
	})
	_, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Invalidate("a")
	m.Invalidate("b")
	assert.Equal(t, int64(1), m.Stats().Invalidations)
	assert.Equal(t, []Kind{KindCreated, KindInvalidated}, j.kinds())
}

func TestTokenFailureSharedByWaiters(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	m, j := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	})

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Token(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSessionCreationFailed))
		var ce *CreationError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, http.StatusServiceUnavailable, ce.Status)
		assert.Equal(t, "Service Unavailable", ce.Reason)
		assert.Equal(t, "overloaded", ce.Body)
	}
	assert.NotEqual(t, domain.SessionActive, m.State())
	assert.Equal(t, []Kind{KindFailed}, j.kinds())

	// 失败后下一次调用重新尝试
	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenEmptyBodyIsFailure(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionCreationFailed))
	assert.Equal(t, int64(1), m.Stats().Failures)
}

func TestTokenCallerCancelDoesNotAbortCreation(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte("late"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Token(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return m.State() == domain.SessionActive }, time.Second, 5*time.Millisecond)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreationDuringInvalidationInstallsToken(t *testing.T) {
	release := make(chan struct{})
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("fresh"))
	})

	done := make(chan string, 1)
	go func() {
		token, _ := m.Token(context.Background())
		done <- token
	}()
	require.Eventually(t, func() bool { return m.State() == domain.SessionCreating }, time.Second, 5*time.Millisecond)

	m.Invalidate("bad_session_id")
	close(release)

	assert.Equal(t, "fresh", <-done)
	assert.Equal(t, domain.SessionActive, m.State())
}

func TestTokenTransportError(t *testing.T) {
	m := NewManager(Options{
		ProxyHost:     "http://127.0.0.1:1",
		APIKey:        "key",
		CreateTimeout: time.Second,
	})
	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionCreationFailed))
}
