package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(primaryUrl, fallbackUrl string) *identityResolverImpl {
	return &identityResolverImpl{
		client:      &http.Client{Timeout: time.Second},
		primaryUrl:  primaryUrl,
		fallbackUrl: fallbackUrl,
		retryDelay:  time.Millisecond,
		cache:       newUuidCache(time.Minute),
	}
}

func TestIdentityResolver_Primary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alice", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "069a79f444e94726a5befca90e38aaf5", "name": "alice"}`))
	}))
	defer primary.Close()

	resolver := newTestResolver(primary.URL+"/%s", "http://127.0.0.1:0/%s")

	uuid, err := resolver.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "069a79f444e94726a5befca90e38aaf5", uuid)
}

func TestIdentityResolver_DashedUuidIsNormalized(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "069a79f4-44e9-4726-a5be-fca90e38aaf5", "name": "alice"}`))
	}))
	defer primary.Close()

	resolver := newTestResolver(primary.URL+"/%s", "http://127.0.0.1:0/%s")

	uuid, err := resolver.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "069a79f444e94726a5befca90e38aaf5", uuid)
}

func TestIdentityResolver_FallbackAfterRetries(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "069a79f444e94726a5befca90e38aaf5", "name": "alice"}`))
	}))
	defer fallback.Close()

	resolver := newTestResolver(primary.URL+"/%s", fallback.URL+"/%s")

	uuid, err := resolver.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "069a79f444e94726a5befca90e38aaf5", uuid)
	assert.Equal(t, int32(identityRetryAttempts), primaryCalls.Load())
}

func TestIdentityResolver_Unresolved(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer failing.Close()

	resolver := newTestResolver(failing.URL+"/%s", failing.URL+"/%s")

	_, err := resolver.Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestIdentityResolver_MalformedResponse(t *testing.T) {
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "not-a-uuid"}`))
	}))
	defer malformed.Close()

	resolver := newTestResolver(malformed.URL+"/%s", malformed.URL+"/%s")

	_, err := resolver.Resolve(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestIdentityResolver_EmptyUsernameShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	resolver := newTestResolver(srv.URL+"/%s", srv.URL+"/%s")

	_, err := resolver.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnresolved)
	assert.Zero(t, calls.Load())
}

func TestIdentityResolver_CachesResults(t *testing.T) {
	var calls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"id": "069a79f444e94726a5befca90e38aaf5", "name": "alice"}`))
	}))
	defer primary.Close()

	resolver := newTestResolver(primary.URL+"/%s", "http://127.0.0.1:0/%s")

	for i := 0; i < 3; i++ {
		uuid, err := resolver.Resolve(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "069a79f444e94726a5befca90e38aaf5", uuid)
	}
	assert.Equal(t, int32(1), calls.Load())
}
