package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSession(t *testing.T) {
	var gotAuth string
	var gotRec SessionRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRec))

		_ = json.NewEncoder(w).Encode(SessionAck{RemoteID: "srv-1", UpdatedAt: time.Now().UTC()})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token", 5*time.Second)
	ack, err := c.UpsertSession(context.Background(), SessionRecord{
		Key:    NaturalKey{DeviceID: "device-1", LocalSessionID: "local-1"},
		Status: "active",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", ack.RemoteID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "device-1", gotRec.Key.DeviceID)
}

func TestUpsertSession_Conflict(t *testing.T) {
	ended := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]SessionRecord{
			"remote": {
				Key:       NaturalKey{DeviceID: "device-1", LocalSessionID: "local-1"},
				Status:    "completed",
				EndedAt:   &ended,
				UpdatedAt: ended,
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 5*time.Second)
	_, err := c.UpsertSession(context.Background(), SessionRecord{
		Key: NaturalKey{DeviceID: "device-1", LocalSessionID: "local-1"},
	})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.NotNil(t, conflict.Remote)
	assert.Equal(t, "completed", conflict.Remote.Status)
	assert.Equal(t, "device-1", conflict.Key.DeviceID)
}

func TestFindSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/lookup", r.URL.Path)
		if r.URL.Query().Get("local_session_id") != "known" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(SessionAck{RemoteID: "srv-9"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 5*time.Second)

	ack, found, err := c.FindSession(context.Background(), NaturalKey{DeviceID: "d", LocalSessionID: "known"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "srv-9", ack.RemoteID)

	_, found, err = c.FindSession(context.Background(), NaturalKey{DeviceID: "d", LocalSessionID: "unknown"})
	require.NoError(t, err)
	assert.False(t, found, "404 means never seen, not an error")
}

func TestUpsertReadings_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error is transient", http.StatusInternalServerError, "", true},
		{"bad gateway is transient", http.StatusBadGateway, "", true},
		{"validation is permanent", http.StatusUnprocessableEntity, "spo2 out of range", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", 5*time.Second)
			err := c.UpsertReadings(context.Background(), "srv-1", []ReadingRecord{
				{Timestamp: time.Now(), SpO2: 95, HeartRate: 70, IsValid: true},
			})
			require.Error(t, err)

			assert.Equal(t, tt.transient, errors.Is(err, ErrTransient))
			if !tt.transient {
				var validation *ValidationError
				require.ErrorAs(t, err, &validation)
				assert.Contains(t, validation.Detail, tt.body)
			}
		})
	}
}

func TestDo_ConnectionRefusedIsTransient(t *testing.T) {
	// A server that is immediately closed leaves a port nothing listens on
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.UpsertSession(context.Background(), SessionRecord{})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestUpsertPhases_Paths(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", 5*time.Second)
	require.NoError(t, c.UpsertPhases(context.Background(), "srv-7", nil))
	assert.Equal(t, "/v1/sessions/srv-7/phases", gotPath)

	require.NoError(t, c.UpsertEvents(context.Background(), "srv-7", nil))
	assert.Equal(t, "/v1/sessions/srv-7/events", gotPath)
}
