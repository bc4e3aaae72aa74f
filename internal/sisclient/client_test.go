package sisclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/regbot/engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendClassifiesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"statusCode": 0,
			"ecrnResultList": []map[string]any{
				{"crn": "24066", "statusCode": 0, "resultCode": "0"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	req, err := c.Prepare([]string{"24066"}, nil)
	require.NoError(t, err)

	result := c.Send(context.Background(), req)
	require.NoError(t, result.Err)
	assert.Equal(t, domain.CRNSuccess, result.ECRN["24066"].Status)
}

func TestClientSendClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	req, _ := c.Prepare([]string{"24066"}, nil)
	result := c.Send(context.Background(), req)

	assert.ErrorIs(t, result.Err, domain.ErrRateLimited)
	assert.Equal(t, 2*time.Second, result.RetryAfter)
}

func TestClientSendClassifiesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-token")
	req, _ := c.Prepare([]string{"24066"}, nil)
	result := c.Send(context.Background(), req)

	assert.ErrorIs(t, result.Err, domain.ErrTokenInvalid)
}

func TestClientTestToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"statusCode": 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	assert.NoError(t, c.TestToken(context.Background()))
}

func TestClientProbeReturnsDateHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Date", "Thu, 14 Mar 2024 13:59:30 GMT")
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, _, dateHeader, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Thu, 14 Mar 2024 13:59:30 GMT", dateHeader)
}

func TestPreparedRequestTracksWorkingSet(t *testing.T) {
	c := New("https://example.invalid", "tok")
	req, err := c.Prepare([]string{"24066", "24067"}, []string{"20150"})
	require.NoError(t, err)
	assert.Equal(t, []string{"24066", "24067"}, req.ECRNs())
	assert.Equal(t, []string{"20150"}, req.SCRNs())
}
