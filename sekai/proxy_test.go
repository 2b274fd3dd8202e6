package sekai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekaitools/suitesync/config"
	"github.com/sekaitools/suitesync/models"
)

func TestForwarderForward_FiltersHeaders(t *testing.T) {
	var seen http.Header
	var seenHost string
	cdc := testSessionCodec(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenHost = r.Host
		payload, err := cdc.Pack(map[string]any{"userGamedata": map[string]any{"userId": testUserID}}, models.ServerJP)
		require.NoError(t, err)
		w.Write(payload)
	}))
	defer upstream.Close()

	cfg := config.Upstream{API: upstream.URL + "/api", Host: "production-game-api.example.jp"}
	f := NewForwarder(models.ServerJP, cfg, cdc, nil, testLogger(t))

	callerHeader := http.Header{}
	callerHeader.Set("X-Session-Token", "caller-session")
	callerHeader.Set("User-Agent", "UnityPlayer/2022.3.21f1")
	callerHeader.Set("Authorization", "Bearer should-not-pass")
	callerHeader.Set("X-Debug-Trace", "should-not-pass")

	result, err := f.Forward(context.Background(), models.DataTypeSuite, testUserID, http.MethodGet, callerHeader, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "caller-session", seen.Get("X-Session-Token"))
	assert.Equal(t, "UnityPlayer/2022.3.21f1", seen.Get("User-Agent"))
	assert.Empty(t, seen.Get("Authorization"))
	assert.Empty(t, seen.Get("X-Debug-Trace"))
	assert.Equal(t, "production-game-api.example.jp", seenHost)

	require.NotNil(t, result.Decoded)
	assert.Contains(t, result.Decoded, "userGamedata")
}

func TestForwarderForward_PassesFailuresThroughVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Reason", "session expired")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("denied"))
	}))
	defer upstream.Close()

	cfg := config.Upstream{API: upstream.URL + "/api", Host: "production-game-api.example.jp"}
	f := NewForwarder(models.ServerJP, cfg, testSessionCodec(t), nil, testLogger(t))

	result, err := f.Forward(context.Background(), models.DataTypeMysekai, testUserID, http.MethodPost, http.Header{}, []byte{0x01})

	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, result.Status)
	assert.Equal(t, []byte("denied"), result.Body)
	assert.Equal(t, "session expired", result.Header.Get("X-Upstream-Reason"))
	assert.Nil(t, result.Decoded)
}

func TestForwarderForward_SwallowsDecodeFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an encrypted payload"))
	}))
	defer upstream.Close()

	cfg := config.Upstream{API: upstream.URL + "/api", Host: "production-game-api.example.jp"}
	f := NewForwarder(models.ServerJP, cfg, testSessionCodec(t), nil, testLogger(t))

	result, err := f.Forward(context.Background(), models.DataTypeSuite, testUserID, http.MethodGet, http.Header{}, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, []byte("not an encrypted payload"), result.Body)
	assert.Nil(t, result.Decoded)
}

func TestForwarderForward_UnreachableUpstream(t *testing.T) {
	cfg := config.Upstream{API: "http://127.0.0.1:1/api", Host: "production-game-api.example.jp"}
	f := NewForwarder(models.ServerJP, cfg, testSessionCodec(t), nil, testLogger(t))

	result, err := f.Forward(context.Background(), models.DataTypeSuite, testUserID, http.MethodGet, http.Header{}, nil)

	assert.Nil(t, result)
	var upstreamErr *models.TransientUpstreamError
	require.ErrorAs(t, err, &upstreamErr)
}

func TestInferUpload(t *testing.T) {
	servers := map[string]config.Upstream{
		"jp": {Host: "production-game-api.example.jp"},
		"en": {Host: "n-production-game-api.example.com"},
	}

	tests := []struct {
		name     string
		url      string
		dataType models.DataType
		userID   int64
		server   models.Server
		wantErr  bool
	}{
		{
			name:     "jp suite",
			url:      "https://production-game-api.example.jp/api/suite/user/7232012",
			dataType: models.DataTypeSuite,
			userID:   7232012,
			server:   models.ServerJP,
		},
		{
			name:     "en mysekai",
			url:      "https://n-production-game-api.example.com/api/user/42/mysekai",
			dataType: models.DataTypeMysekai,
			userID:   42,
			server:   models.ServerEN,
		},
		{
			name:    "unknown data kind",
			url:     "https://production-game-api.example.jp/api/system",
			wantErr: true,
		},
		{
			name:    "missing user id",
			url:     "https://production-game-api.example.jp/api/suite/user/abc",
			wantErr: true,
		},
		{
			name:    "unknown host",
			url:     "https://unknown.example.org/api/suite/user/7232012",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataType, userID, server, err := InferUpload(tt.url, servers)
			if tt.wantErr {
				var validationErr *models.ValidationError
				require.ErrorAs(t, err, &validationErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dataType, dataType)
			assert.Equal(t, tt.userID, userID)
			assert.Equal(t, tt.server, server)
		})
	}
}
