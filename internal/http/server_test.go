package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/ussdgate/internal/apps"
	"github.com/nextlevelbuilder/ussdgate/internal/store/sqlite"
)

type staticStatus map[string]bool

func (s staticStatus) GetStatus() map[string]bool { return s }

func newTestServer(t *testing.T, token string, status StatusSource) (*httptest.Server, *sqlite.SessionStore) {
	t.Helper()

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := apps.NewRegistry()
	app, err := apps.NewUSSDApp(apps.USSDConfig{
		Key:      "bridgecap",
		Index:    "1",
		Title:    "BridgeCap Insurance",
		Endpoint: "http://localhost:5002/ussd",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Register(app))

	srv := NewServer("127.0.0.1:0", token, "test", status, registry, st)
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return ts, st
}

func doRequest(t *testing.T, method, url, token string) (*http.Response, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, "", nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestStatus(t *testing.T) {
	t.Run("all running", func(t *testing.T) {
		ts, _ := newTestServer(t, "", staticStatus{"amqp": true})

		resp, body := doRequest(t, http.MethodGet, ts.URL+"/status", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])

		registered, ok := body["apps"].([]interface{})
		require.True(t, ok)
		require.Len(t, registered, 1)
		assert.Equal(t, "bridgecap", registered[0].(map[string]interface{})["key"])
	})

	t.Run("channel down", func(t *testing.T) {
		ts, _ := newTestServer(t, "", staticStatus{"amqp": true, "whatsapp": false})

		resp, body := doRequest(t, http.MethodGet, ts.URL+"/status", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", body["status"])
	})
}

func TestSessions_GetAndReset(t *testing.T) {
	ts, st := newTestServer(t, "", nil)
	ctx := context.Background()

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/sessions/254700000001@c.us", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, st.SetApp(ctx, "254700000001", "bridgecap"))
	require.NoError(t, st.InitSessionID(ctx, "254700000001", 100000001))

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/sessions/254700000001@c.us", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bridgecap", body["app"])
	assert.EqualValues(t, 100000001, body["sessionId"])

	resp, body = doRequest(t, http.MethodDelete, ts.URL+"/v1/sessions/254700000001", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reset", body["status"])

	sess, err := st.Get(ctx, "254700000001")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Empty(t, sess.App)
	require.NotNil(t, sess.SessionID, "the session id outlives a reset")
	assert.Equal(t, int64(100000001), *sess.SessionID)
}

func TestSessions_RequireToken(t *testing.T) {
	ts, _ := newTestServer(t, "s3cret", nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/v1/sessions/254700000001", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/sessions/254700000001", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/v1/sessions/254700000001", "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// health stays open
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
