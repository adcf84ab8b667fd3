package rest

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

	"github.com/wououoo/weddingAlba-sub000/auth"
	"github.com/wououoo/weddingAlba-sub000/logger"
	"github.com/wououoo/weddingAlba-sub000/models"
)

func testClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:         baseURL,
		Timeout:         2 * time.Second,
		RetryMaxElapsed: 2 * time.Second,
	}, &auth.Credential{UserID: "u1", Token: "tok"}, logger.Nop())
}

func TestRoomInit_DecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/rooms/r1/init", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(models.InitSnapshot{
			Room:   models.Room{ID: "r1", Name: "Busan Venue"},
			Online: []string{"u2", "u3"},
		})
	}))
	defer srv.Close()

	snap, err := testClient(srv.URL).RoomInit(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Busan Venue", snap.Room.Name)
	assert.Len(t, snap.Online, 2)
}

func TestMessages_SendsPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		assert.Equal(t, "30", r.URL.Query().Get("size"))
		_ = json.NewEncoder(w).Encode(models.HistoryPage{Last: true})
	}))
	defer srv.Close()

	hp, err := testClient(srv.URL).Messages(context.Background(), "r1", 3, 30)
	require.NoError(t, err)
	assert.True(t, hp.Last)
}

func TestMarkRead_Posts(t *testing.T) {
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).MarkRead(context.Background(), "r1"))
	assert.Equal(t, http.MethodPost, method.Load())
}

func TestRetry_RecoversFromTransientServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(models.InitSnapshot{Room: models.Room{ID: "r1"}})
	}))
	defer srv.Close()

	snap, err := testClient(srv.URL).RoomInit(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", snap.Room.ID)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRetry_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).RoomInit(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}

func TestRetry_ContextCancelStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := testClient(srv.URL).RoomInit(ctx, "r1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
