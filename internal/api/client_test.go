package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceclone/internal/api"
	"github.com/book-expert/voiceclone/internal/core"
	"github.com/book-expert/voiceclone/internal/tokenstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers protected paths with 200 only for the current access
// token and counts refresh calls.
type fakeServer struct {
	*httptest.Server

	mu             sync.Mutex
	validAccess    string
	nextAccess     string
	refreshStatus  int
	refreshGate    chan struct{}
	refreshCalls   atomic.Int32
	protectedCalls atomic.Int32
	authHeaders    []string
	refreshAuth    []string
	refreshBodies  []string
}

func newFakeServer(t *testing.T, validAccess, nextAccess string) *fakeServer {
	t.Helper()

	server := &fakeServer{
		validAccess:   validAccess,
		nextAccess:    nextAccess,
		refreshStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(api.RefreshPath, server.handleRefresh)
	mux.HandleFunc("/api/data/", server.handleProtected)

	server.Server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func (s *fakeServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	var body struct {
		Refresh string `json:"refresh"`
	}

	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.refreshAuth = append(s.refreshAuth, r.Header.Get("Authorization"))
	s.refreshBodies = append(s.refreshBodies, body.Refresh)
	status := s.refreshStatus

	if status == http.StatusOK {
		s.validAccess = s.nextAccess
	}

	access := s.nextAccess
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if status == http.StatusOK {
		_ = json.NewEncoder(w).Encode(map[string]string{"access": access})

		return
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Token is invalid or expired"})
}

func (s *fakeServer) handleProtected(w http.ResponseWriter, r *http.Request) {
	s.protectedCalls.Add(1)
	_, _ = io.Copy(io.Discard, r.Body)

	header := r.Header.Get("Authorization")

	s.mu.Lock()
	s.authHeaders = append(s.authHeaders, header)
	valid := header == "Bearer "+s.validAccess
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if !valid {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))

		return
	}

	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *fakeServer) setRefreshStatus(status int) {
	s.mu.Lock()
	s.refreshStatus = status
	s.mu.Unlock()
}

// holdRefreshes makes the refresh endpoint wait until the returned function
// is called. The test's cleanup releases it too.
func (s *fakeServer) holdRefreshes(t *testing.T) func() {
	t.Helper()

	gate := make(chan struct{})

	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once

	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)

	return release
}

func (s *fakeServer) headers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.authHeaders...)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "api-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func seedStore(t *testing.T, access, refresh string) core.TokenStore {
	t.Helper()

	store := tokenstore.NewMemory()
	ctx := context.Background()

	if access != "" {
		require.NoError(t, store.Set(ctx, core.AccessTokenKey, access))
	}

	if refresh != "" {
		require.NoError(t, store.Set(ctx, core.RefreshTokenKey, refresh))
	}

	return store
}

func newClient(t *testing.T, baseURL string, store core.TokenStore, cfg api.Config) (*api.Client, *api.Metrics) {
	t.Helper()

	metrics, err := api.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	cfg.BaseURL = baseURL

	client, err := api.New(cfg, store, newTestLogger(t), api.WithMetrics(metrics))
	require.NoError(t, err)

	return client, metrics
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	store := tokenstore.NewMemory()

	_, err := api.New(api.Config{}, store, log)
	require.Error(t, err)

	_, err = api.New(api.Config{BaseURL: "localhost"}, store, log)
	require.Error(t, err)

	_, err = api.New(api.Config{BaseURL: "http://localhost:8000"}, nil, log)
	require.Error(t, err)

	_, err = api.New(api.Config{BaseURL: "http://localhost:8000"}, store, nil)
	require.Error(t, err)

	client, err := api.New(api.Config{BaseURL: "http://localhost:8000/"}, store, log)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", client.BaseURL())
}

func TestDoAttachesStoredAccessToken(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A1", "A2")
	client, metrics := newClient(t, server.URL, seedStore(t, "A1", "R1"), api.Config{})

	var out struct {
		OK bool `json:"ok"`
	}

	err := client.DoJSON(context.Background(), http.MethodGet, "/api/data/", nil, &out)
	require.NoError(t, err)

	assert.True(t, out.OK)
	assert.Equal(t, []string{"Bearer A1"}, server.headers())
	assert.Equal(t, int32(0), server.refreshCalls.Load())
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.Retries()), 0)
}

func TestDoRefreshesOnceAndRetriesWithNewToken(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	store := seedStore(t, "A1", "R1")
	client, metrics := newClient(t, server.URL, store, api.Config{})

	req := &api.Request{Method: http.MethodGet, Path: "/api/data/"}

	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, req.Retried())
	assert.Equal(t, int32(1), server.refreshCalls.Load())
	assert.Equal(t, []string{"Bearer A1", "Bearer A2"}, server.headers())

	server.mu.Lock()
	assert.Equal(t, []string{"R1"}, server.refreshBodies)
	assert.Equal(t, []string{""}, server.refreshAuth)
	server.mu.Unlock()

	access, err := store.Get(context.Background(), core.AccessTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "A2", access)

	refresh, err := store.Get(context.Background(), core.RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "R1", refresh)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Refreshes("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Retries()), 0)
}

func TestDoWithoutRefreshTokenExpiresSessionWithoutNetworkCall(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	store := seedStore(t, "A1", "")
	client, _ := newClient(t, server.URL, store, api.Config{})

	var expired atomic.Int32

	client.OnSessionExpired(func(error) { expired.Add(1) })

	_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
	require.ErrorIs(t, err, api.ErrNoRefreshToken)

	assert.Equal(t, api.KindAuthentication, api.KindOf(err))
	assert.Equal(t, int32(0), server.refreshCalls.Load())
	assert.Equal(t, int32(1), server.protectedCalls.Load())
	assert.Equal(t, int32(1), expired.Load())

	_, err = store.Get(context.Background(), core.AccessTokenKey)
	require.ErrorIs(t, err, core.ErrTokenNotFound)
}

func TestDoRefreshFailureClearsTokensAndDoesNotRetry(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	server.setRefreshStatus(http.StatusUnauthorized)

	store := seedStore(t, "A1", "R1")
	client, metrics := newClient(t, server.URL, store, api.Config{})

	var (
		expired    atomic.Int32
		expiredErr error
	)

	client.OnSessionExpired(func(err error) {
		expired.Add(1)
		expiredErr = err
	})

	_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
	require.ErrorIs(t, err, api.ErrRefreshFailed)

	assert.Equal(t, api.KindAuthentication, api.KindOf(err))
	assert.Equal(t, int32(1), server.refreshCalls.Load())
	assert.Equal(t, int32(1), server.protectedCalls.Load())
	assert.Equal(t, int32(1), expired.Load())
	require.ErrorIs(t, expiredErr, api.ErrRefreshFailed)

	for _, key := range []string{core.AccessTokenKey, core.RefreshTokenKey} {
		_, getErr := store.Get(context.Background(), key)
		require.ErrorIs(t, getErr, core.ErrTokenNotFound)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Refreshes("failure")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.Retries()), 0)
}

func TestDoDoesNotRetryTwice(t *testing.T) {
	t.Parallel()

	// The refresh succeeds but the protected endpoint keeps rejecting.
	server := newFakeServer(t, "never", "A2")

	var protectedCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(api.RefreshPath, server.handleRefresh)
	mux.HandleFunc("/api/data/", func(w http.ResponseWriter, _ *http.Request) {
		protectedCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	rejecting := httptest.NewServer(mux)
	t.Cleanup(rejecting.Close)

	client, metrics := newClient(t, rejecting.URL, seedStore(t, "A1", "R1"), api.Config{})

	_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
	require.Error(t, err)

	assert.Equal(t, http.StatusUnauthorized, api.StatusOf(err))
	assert.Equal(t, int32(2), protectedCalls.Load())
	assert.Equal(t, int32(1), server.refreshCalls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Retries()), 0)
}

func TestDoNoRefreshPassesUnauthorizedThrough(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	client, _ := newClient(t, server.URL, seedStore(t, "A1", "R1"), api.Config{})

	_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/", NoRefresh: true})
	require.Error(t, err)

	assert.Equal(t, http.StatusUnauthorized, api.StatusOf(err))
	assert.Equal(t, "Given token not valid for any token type", api.MessageOf(err, "fallback"))
	assert.Equal(t, int32(0), server.refreshCalls.Load())
}

func TestConcurrentUnauthorizedRequestsRefreshIndependently(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	release := server.holdRefreshes(t)
	client, _ := newClient(t, server.URL, seedStore(t, "A1", "R1"), api.Config{})

	var group sync.WaitGroup

	for range 3 {
		group.Add(1)

		go func() {
			defer group.Done()

			_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return server.refreshCalls.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	release()
	group.Wait()

	assert.Equal(t, int32(3), server.refreshCalls.Load())
}

func TestCoalescedRefreshSharesOneExchange(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	var refreshCalls, rejected atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(api.RefreshPath, func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"access":"A2"}`))
	})
	mux.HandleFunc("/api/data/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A2" {
			rejected.Add(1)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_, _ = w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, _ := newClient(t, server.URL, seedStore(t, "A1", "R1"), api.Config{CoalesceRefresh: true})

	var group sync.WaitGroup

	for range 4 {
		group.Add(1)

		go func() {
			defer group.Done()

			_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return rejected.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	group.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestCoalescedRefreshOutlivesImpatientCaller(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	release := server.holdRefreshes(t)
	store := seedStore(t, "A1", "R1")
	client, _ := newClient(t, server.URL, store, api.Config{CoalesceRefresh: true})

	var expired atomic.Int32

	client.OnSessionExpired(func(error) { expired.Add(1) })

	impatient := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := client.Do(ctx, &api.Request{Path: "/api/data/"})
		impatient <- err
	}()

	require.Eventually(t, func() bool { return server.refreshCalls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	patient := make(chan error, 1)

	go func() {
		_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
		patient <- err
	}()

	require.Eventually(t, func() bool { return server.protectedCalls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	err := <-impatient
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, api.KindTimeout, api.KindOf(err))

	time.Sleep(100 * time.Millisecond)
	release()

	require.NoError(t, <-patient)
	assert.Equal(t, int32(1), server.refreshCalls.Load())
	assert.Equal(t, int32(0), expired.Load())

	access, err := store.Get(context.Background(), core.AccessTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "A2", access)

	refresh, err := store.Get(context.Background(), core.RefreshTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "R1", refresh)
}

func TestCancelledRefreshKeepsSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		coalesce bool
	}{
		{name: "independent", coalesce: false},
		{name: "coalesced", coalesce: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newFakeServer(t, "A2", "A2")
			release := server.holdRefreshes(t)
			store := seedStore(t, "A1", "R1")
			client, metrics := newClient(t, server.URL, store, api.Config{CoalesceRefresh: tt.coalesce})

			var expired atomic.Int32

			client.OnSessionExpired(func(error) { expired.Add(1) })

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			_, err := client.Do(ctx, &api.Request{Path: "/api/data/"})
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.NotEqual(t, api.KindAuthentication, api.KindOf(err))

			assert.Equal(t, int32(0), expired.Load())
			assert.InDelta(t, 0, testutil.ToFloat64(metrics.Refreshes("failure")), 0)

			access, err := store.Get(context.Background(), core.AccessTokenKey)
			require.NoError(t, err)
			assert.Equal(t, "A1", access)

			refresh, err := store.Get(context.Background(), core.RefreshTokenKey)
			require.NoError(t, err)
			assert.Equal(t, "R1", refresh)

			release()

			if tt.coalesce {
				require.Eventually(t, func() bool {
					access, err := store.Get(context.Background(), core.AccessTokenKey)

					return err == nil && access == "A2"
				}, 5*time.Second, 10*time.Millisecond)
			}
		})
	}
}

func TestDoOmitsBearerForForeignOrigin(t *testing.T) {
	t.Parallel()

	var foreignAuth atomic.Value

	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("RIFF"))
	}))
	t.Cleanup(foreign.Close)

	server := newFakeServer(t, "A1", "A2")
	client, _ := newClient(t, server.URL, seedStore(t, "A1", "R1"), api.Config{})

	resp, err := client.Do(context.Background(), &api.Request{Path: foreign.URL + "/media/out.wav"})
	require.NoError(t, err)

	assert.Equal(t, []byte("RIFF"), resp.Body)
	assert.Equal(t, "", foreignAuth.Load())
}

func TestDoUsesDefaultAuthorizationWhenStoreIsEmpty(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "D1", "D1")
	client, _ := newClient(t, server.URL, tokenstore.NewMemory(), api.Config{})

	client.SetDefaultAuthorization("D1")

	_, err := client.Do(context.Background(), &api.Request{Path: "/api/data/"})
	require.NoError(t, err)

	client.ClearDefaultAuthorization()

	_, err = client.Do(context.Background(), &api.Request{Path: "/api/data/", NoRefresh: true})
	require.Error(t, err)

	assert.Equal(t, []string{"Bearer D1", ""}, server.headers())
}

func TestDoClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   api.Kind
		wantMsg    string
		wantFields map[string][]string
	}{
		{
			name:     "payload too large",
			status:   http.StatusRequestEntityTooLarge,
			body:     `{"error":"Text too long"}`,
			wantKind: api.KindPayloadTooLarge,
			wantMsg:  "Text too long",
		},
		{
			name:       "field validation",
			status:     http.StatusBadRequest,
			body:       `{"email":["Enter a valid email address."],"username":["taken"]}`,
			wantKind:   api.KindValidation,
			wantFields: map[string][]string{"email": {"Enter a valid email address."}, "username": {"taken"}},
		},
		{
			name:     "server error without body",
			status:   http.StatusInternalServerError,
			wantKind: api.KindServer,
			wantMsg:  "Internal Server Error",
		},
		{
			name:     "gateway timeout",
			status:   http.StatusGatewayTimeout,
			body:     "upstream timed out",
			wantKind: api.KindTimeout,
			wantMsg:  "upstream timed out",
		},
		{
			name:     "not found",
			status:   http.StatusNotFound,
			body:     `{"detail":"Not found."}`,
			wantKind: api.KindStatus,
			wantMsg:  "Not found.",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			t.Cleanup(server.Close)

			client, _ := newClient(t, server.URL, tokenstore.NewMemory(), api.Config{})

			_, err := client.Do(context.Background(), &api.Request{Method: http.MethodPost, Path: "/x", Body: map[string]string{}})
			require.Error(t, err)

			var reqErr *api.RequestError
			require.ErrorAs(t, err, &reqErr)

			assert.Equal(t, testCase.wantKind, reqErr.Kind)
			assert.Equal(t, testCase.status, reqErr.StatusCode)
			assert.Equal(t, testCase.wantMsg, reqErr.Message)
			assert.Equal(t, testCase.wantFields, reqErr.Fields)
			assert.Contains(t, err.Error(), "POST /x")
		})
	}
}

func TestDoReportsTimeout(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	client, _ := newClient(t, server.URL, tokenstore.NewMemory(), api.Config{})

	_, err := client.Do(context.Background(), &api.Request{Path: "/slow", Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	assert.Equal(t, api.KindTimeout, api.KindOf(err))
}

func TestDoReportsTransportFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, _ := newClient(t, baseURL, tokenstore.NewMemory(), api.Config{})

	_, err := client.Do(context.Background(), &api.Request{Path: "/gone"})
	require.Error(t, err)

	assert.Equal(t, api.KindTransport, api.KindOf(err))
	assert.Equal(t, 0, api.StatusOf(err))
}

func TestDoProgressIsMonotonicAcrossRetry(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t, "A2", "A2")
	client, _ := newClient(t, server.URL, seedStore(t, "A1", "R1"), api.Config{})

	payload := []byte(strings.Repeat("x", 256<<10))

	var (
		mu       sync.Mutex
		percents []int
	)

	req := &api.Request{
		Method:      http.MethodPost,
		Path:        "/api/data/",
		Body:        payload,
		ContentType: "application/octet-stream",
		OnProgress: func(progress api.Progress) {
			mu.Lock()
			percents = append(percents, progress.Percentage)
			mu.Unlock()
			assert.Equal(t, int64(len(payload)), progress.Total)
		},
	}

	_, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, req.Retried())

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])

	for index := 1; index < len(percents); index++ {
		assert.GreaterOrEqual(t, percents[index], percents[index-1])
	}
}

func TestDoJSONDecodeFailureIsServerKind(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	t.Cleanup(server.Close)

	client, _ := newClient(t, server.URL, tokenstore.NewMemory(), api.Config{})

	var out map[string]any

	err := client.DoJSON(context.Background(), http.MethodGet, "/x", nil, &out)
	require.Error(t, err)

	assert.Equal(t, api.KindServer, api.KindOf(err))
	assert.False(t, errors.Is(err, api.ErrRefreshFailed))
}
