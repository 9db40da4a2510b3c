package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/blockorb/app/orb/types"
	"github.com/canopy-network/blockorb/pkg/blockfeed"
	"github.com/canopy-network/blockorb/pkg/config"
	"github.com/canopy-network/blockorb/pkg/graph"
	"github.com/canopy-network/blockorb/pkg/presentation"
	"github.com/canopy-network/blockorb/pkg/relay"
	"github.com/canopy-network/blockorb/pkg/retry"
	"github.com/canopy-network/blockorb/pkg/rpc"
	"github.com/canopy-network/blockorb/pkg/simulation"
	"github.com/canopy-network/blockorb/pkg/validators"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type stubNode struct{}

func (stubNode) IsConsensusEstablished(context.Context) (bool, error) { return true, nil }
func (stubNode) GetBlockNumber(context.Context) (uint64, error)         { return 100, nil }
func (stubNode) GetLastElectionBlock(context.Context, uint64) (uint64, error) {
	return 60, nil
}
func (stubNode) GetElectionSlots(context.Context, uint64) ([]rpc.Slot, error) {
	return []rpc.Slot{{Validator: "NQ01", NumSlots: 400}, {Validator: "NQ02", NumSlots: 112}}, nil
}

const testToken = "test-token"

func newTestServer(t *testing.T) (*types.App, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Default()
	cfg.Geometry.NodeCount = 24

	infos := []graph.ValidatorInfo{{Address: "NQ01"}, {Address: "NQ02"}}
	sim, err := simulation.New(cfg, infos, logger, simulation.WithRand(rand.New(rand.NewSource(9))))
	require.NoError(t, err)

	frames := relay.NewHub(relay.HubOptions{Buffer: 64}, logger)
	app := &types.App{
		Sim:  sim,
		Feed: blockfeed.New(blockfeed.Options{URL: "ws://127.0.0.1:1/ws/blocks"}, logger),
		Adapter: presentation.NewAdapter(sim,
			&types.HubRenderer{Hub: frames, Logger: logger},
			&types.HubPlayer{Hub: frames, Logger: logger},
			logger),
		Directory: validators.New(stubNode{}, nil, validators.Options{
			ConsensusRetry: retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		}, logger),
		Frames: frames,
		Logger: logger,
	}
	app.SetValidatorSet(infos)

	adminHash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	ctl := &Controller{
		App:        app,
		AdminToken: testToken,
		Users: map[string]types.User{
			"admin":  {Username: "admin", Hash: adminHash, Role: "admin"},
			"viewer": {Username: "viewer", Hash: adminHash, Role: "viewer"},
		},
		JWTSecret: []byte("test-secret"),
	}
	router, err := ctl.NewRouter()
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return app, srv
}

func do(t *testing.T, method, url, body string, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if mutate != nil {
		mutate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testToken) }

func TestGetConfig(t *testing.T) {
	_, srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/config", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg config.Orb
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, 24, cfg.Geometry.NodeCount)
	assert.Equal(t, 3, cfg.Audio.BatchesPerSong)
}

func TestPutConfigRequiresAdmin(t *testing.T) {
	app, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/api/config", `{"geometry":{"nodeCount":40}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/api/config", `{"geometry":{"nodeCount":40}}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 24, app.Sim.Config().Geometry.NodeCount)
}

func TestPutConfigMergesAndRebuilds(t *testing.T) {
	app, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/api/config", `{"geometry":{"nodeCount":40}}`, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := app.Sim.Config()
	assert.Equal(t, 40, got.Geometry.NodeCount)
	assert.Equal(t, 14.0, got.Geometry.OrbRadius)
	assert.Equal(t, uint64(1), app.Sim.Stats().Rebuilds)

	resp = do(t, http.MethodPut, srv.URL+"/api/config", `{"audio":{"batchesPerSong":0}}`, bearer)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 3, app.Sim.Config().Audio.BatchesPerSong)

	resp = do(t, http.MethodPut, srv.URL+"/api/config", `{`, bearer)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPutConfigRejectedLeavesPaletteAlone(t *testing.T) {
	app, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/api/config",
		`{"render":{"nodePalette":["#BADBAD"]},"audio":{"batchesPerSong":0}}`, bearer)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, config.Default().Render.NodePalette, app.Sim.Config().Render.NodePalette)
}

func TestPutConfigRadiusMovesValidators(t *testing.T) {
	app, srv := newTestServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/api/config", `{"geometry":{"orbRadius":100}}`, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	app.Sim.Read(func(v simulation.View) {
		require.Len(t, v.Graph.Validators, 2)
		for _, val := range v.Graph.Validators {
			r := val.Position.Len()
			assert.GreaterOrEqual(t, r, 85.0-1e-9, val.Address)
			assert.LessOrEqual(t, r, 95.0+1e-9, val.Address)
		}
	})
}

func TestLoginSession(t *testing.T) {
	_, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/auth/login", `{"username":"admin","password":"nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/auth/login", `{"username":"admin","password":"secret"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			session = c
		}
	}
	require.NotNil(t, session)

	resp = do(t, http.MethodPut, srv.URL+"/api/feed", `{"visible":true}`, func(r *http.Request) { r.AddCookie(session) })
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/auth/login", `{"username":"viewer","password":"secret"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	viewer := resp.Cookies()[0]
	resp = do(t, http.MethodPut, srv.URL+"/api/feed", `{"visible":true}`, func(r *http.Request) { r.AddCookie(viewer) })
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	forged := &http.Cookie{Name: sessionCookie, Value: "not-a-jwt"}
	resp = do(t, http.MethodPut, srv.URL+"/api/feed", `{}`, func(r *http.Request) { r.AddCookie(forged) })
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatsAndFrame(t *testing.T) {
	app, srv := newTestServer(t)
	app.HandleBlock(blockfeed.BlockEvent{Number: 200, Batch: 3, ValidatorAddress: "NQ01", Kind: blockfeed.KindMicro})
	app.HandleBlock(blockfeed.BlockEvent{Number: 201, Batch: 3, ValidatorAddress: "NQ09", Kind: blockfeed.KindMicro})

	resp := do(t, http.MethodGet, srv.URL+"/api/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(2), stats.Simulation.Blocks)
	assert.Equal(t, uint64(1), stats.Simulation.UnknownValidators)
	assert.Equal(t, "acid", stats.Song)
	assert.Equal(t, blockfeed.StateLoading, stats.Feed)

	resp = do(t, http.MethodGet, srv.URL+"/api/frame", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var frame presentation.Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	assert.Len(t, frame.Validators, 2)
	assert.Len(t, frame.Beams, 1)
	assert.Equal(t, uint64(201), frame.Metrics.LastBlock)
}

func TestValidatorsAndHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/validators", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res validators.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 2, res.Count)

	resp = do(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefreshValidatorsEndpoint(t *testing.T) {
	app, srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/validators/refresh", "", bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(0), app.Sim.Stats().Rebuilds)
}

func TestFramesWebSocket(t *testing.T) {
	app, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/frames", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() types.FrameMessage {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var m types.FrameMessage
		require.NoError(t, json.NewDecoder(bytes.NewReader(raw)).Decode(&m))
		return m
	}

	m := read()
	assert.Equal(t, types.MessageState, m.Type)
	assert.Equal(t, blockfeed.StateLoading, m.State)

	m = read()
	require.Equal(t, types.MessageFrame, m.Type)
	require.NotNil(t, m.Frame)
	assert.Len(t, m.Frame.Validators, 2)

	app.HandleBlock(blockfeed.BlockEvent{Number: 7, Batch: 0, ValidatorAddress: "NQ02", Kind: blockfeed.KindMicro})
	m = read()
	require.Equal(t, types.MessagePattern, m.Type)
	assert.Equal(t, "NQ02", m.Pattern.Address)
	assert.Equal(t, presentation.TransitionImmediate, *m.Transition)
}
