package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/clock/manual"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/md5"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, db *memory.DB, cfg Config, checks ...Check) *Server {
	t.Helper()
	s, err := NewServer(Deps{
		Frontier: db.Frontier(),
		Hasher:   md5.New(),
		Clock:    manual.New(now),
		Checks:   checks,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func post(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/frontier/batch-upsert", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_BatchUpsert_Succeeds(t *testing.T) {
	t.Parallel()

	db := memory.New()
	s := newTestServer(t, db, Config{})

	rec := post(t, s, `{"source":"acme","items":[
		{"task_type":"search","url":"https://acme.test/s?q=milk","priority":2},
		{"task_type":"detail","segment":"dairy","url":"https://acme.test/p/1"}
	]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body["upserted"])
	assert.Equal(t, 2, db.Entries())

	entry, ok := db.Entry(frontier.EntryKey{
		Source:   "acme",
		TaskType: "detail",
		URLHash:  md5.New().HashURL("https://acme.test/p/1"),
	})
	require.True(t, ok)
	assert.Equal(t, "dairy", entry.Segment)
	assert.Equal(t, frontier.DefaultPriority, entry.Priority)
	assert.Equal(t, frontier.EntryActive, entry.Status)
}

func TestServer_BatchUpsert_IsIdempotent(t *testing.T) {
	t.Parallel()

	db := memory.New()
	s := newTestServer(t, db, Config{})
	body := `{"source":"acme","items":[{"task_type":"detail","url":"https://acme.test/p/1"}]}`

	require.Equal(t, http.StatusOK, post(t, s, body, nil).Code)
	require.Equal(t, http.StatusOK, post(t, s, body, nil).Code)
	assert.Equal(t, 1, db.Entries())
}

func TestServer_BatchUpsert_Rejects(t *testing.T) {
	t.Parallel()

	tooMany := make([]string, 0, maxBatchItems+1)
	for i := 0; i <= maxBatchItems; i++ {
		tooMany = append(tooMany, fmt.Sprintf(`{"task_type":"detail","url":"https://acme.test/p/%d"}`, i))
	}

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "invalid json", body: `{"source":`, wantMsg: "invalid JSON"},
		{name: "missing source", body: `{"items":[{"task_type":"detail","url":"https://a.test/"}]}`, wantMsg: "source is required"},
		{name: "no items", body: `{"source":"acme","items":[]}`, wantMsg: "items are required"},
		{name: "too many items", body: `{"source":"acme","items":[` + strings.Join(tooMany, ",") + `]}`, wantMsg: "between 1 and 1000"},
		{name: "missing url", body: `{"source":"acme","items":[{"task_type":"detail"}]}`, wantMsg: "url is required"},
		{name: "relative url", body: `{"source":"acme","items":[{"task_type":"detail","url":"/p/1"}]}`, wantMsg: "absolute http(s) URL"},
		{name: "ftp url", body: `{"source":"acme","items":[{"task_type":"detail","url":"ftp://a.test/x"}]}`, wantMsg: "absolute http(s) URL"},
		{name: "missing task type", body: `{"source":"acme","items":[{"url":"https://a.test/"}]}`, wantMsg: "task_type is required"},
		{name: "priority too high", body: `{"source":"acme","items":[{"task_type":"detail","url":"https://a.test/","priority":101}]}`, wantMsg: "priority must be between 0 and 100"},
		{name: "negative priority", body: `{"source":"acme","items":[{"task_type":"detail","url":"https://a.test/","priority":-1}]}`, wantMsg: "priority must be between 0 and 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := memory.New()
			s := newTestServer(t, db, Config{})

			rec := post(t, s, tt.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
			assert.Zero(t, db.Entries())
		})
	}
}

func TestServer_BatchUpsert_StoreFailure(t *testing.T) {
	t.Parallel()

	db := memory.New()
	db.FailOn(memory.OpUpsert, errors.New("disk full"))
	s := newTestServer(t, db, Config{})

	rec := post(t, s, `{"source":"acme","items":[{"task_type":"detail","url":"https://acme.test/p/1"}]}`, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestServer_BearerAuth(t *testing.T) {
	t.Parallel()

	db := memory.New()
	s := newTestServer(t, db, Config{AuthEnabled: true, AuthToken: "s3cret"})
	body := `{"source":"acme","items":[{"task_type":"detail","url":"https://acme.test/p/1"}]}`

	assert.Equal(t, http.StatusUnauthorized, post(t, s, body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, s, body, map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK, post(t, s, body, map[string]string{"Authorization": "Bearer s3cret"}).Code)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	healthy := Check{Name: "postgres", Ping: func(context.Context) error { return nil }}
	broken := Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }}

	rec := httptest.NewRecorder()
	newTestServer(t, memory.New(), Config{}, healthy).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	newTestServer(t, memory.New(), Config{}, healthy, broken).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
	assert.NotContains(t, rec.Body.String(), "postgres")
}

func TestServer_RateLimited(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, memory.New(), Config{RateRPS: 0.001, RateBurst: 1})
	get := func() int {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())
}

func TestNewServer_Validates(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, Config{}, nil)
	require.Error(t, err)

	db := memory.New()
	_, err = NewServer(Deps{Frontier: db.Frontier(), Hasher: md5.New(), Clock: manual.New(now)}, Config{AuthEnabled: true}, nil)
	require.Error(t, err)
}
