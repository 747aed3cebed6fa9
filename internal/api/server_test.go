package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/auth"
	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/jobs/binarybuild"
	"github.com/narvanalabs/buildfarm/internal/jobs/recipebuild"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	t     *testing.T
	http  *httptest.Server
	store *memory.Store
	user  string
	admin string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := jobs.NewRegistry()
	require.NoError(t, binarybuild.Register(reg))
	require.NoError(t, recipebuild.Register(reg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	cfg.JWTSecret = testSecret

	st := memory.New()
	q := queue.NewService(st, reg, cfg.Scheduler, logger)
	events := scheduler.NewHandler(q, st, logger)
	authSvc := auth.NewService(&auth.Config{JWTSecret: []byte(testSecret), TokenExpiry: time.Hour}, logger)

	srv := NewServer(cfg, q, events, authSvc, health.NewChecker(st, "test"), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	user, err := authSvc.GenerateToken("u1", "user@builders.test", auth.RoleUser)
	require.NoError(t, err)
	admin, err := authSvc.GenerateToken("a1", "admin@builders.test", auth.RoleAdmin)
	require.NoError(t, err)

	return &testServer{t: t, http: ts, store: st, user: user, admin: admin}
}

func (s *testServer) do(method, path, token string, body any, out any) int {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.http.URL+path, r)
	require.NoError(s.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func binarySubmit(processor string) handlers.SubmitRequest {
	payload, _ := json.Marshal(map[string]any{
		"source_package": "hello",
		"version":        "2.10-3",
		"series":         "noble",
		"processor":      processor,
		"urgency":        "low",
		"component":      "universe",
		"pocket":         "release",
		"date_created":   time.Now().UTC(),
	})
	return handlers.SubmitRequest{
		JobType:                  models.JobTypeBinaryPackageBuild,
		Payload:                  payload,
		EstimatedDurationSeconds: 600,
	}
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	var resp health.Response
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil, &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestV1RequiresToken(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/queue/stats", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/v1/queue/stats", "garbage", nil, nil))
}

func TestQueueLifecycle(t *testing.T) {
	s := newTestServer(t)

	var builder models.Builder
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/builders/heartbeat", s.user,
		models.Heartbeat{BuilderID: "bob", Processor: "amd64", Virtualized: true}, &builder))
	assert.True(t, builder.Healthy)

	var entry models.QueueEntry
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/queue", s.user, binarySubmit("amd64"), &entry))
	assert.Equal(t, 600*time.Second, entry.EstimatedDuration)
	assert.Equal(t, 0, entry.LastScore)
	base := "/v1/queue/" + itoa(entry.ID)

	var score handlers.ScoreResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/score", s.user, nil, &score))
	assert.Equal(t, 5+250+1500, score.Score)
	assert.False(t, score.Manual)

	var candidates handlers.CandidatesResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/candidates?processor=amd64,arm64", s.user, nil, &candidates))
	assert.Equal(t, []int64{entry.ID}, candidates.QueueIDs)

	var est handlers.EstimateResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, base+"/estimate", s.user, nil, &est))
	assert.True(t, est.Known)
	assert.Equal(t, int64(0), est.WaitForWorkerSeconds)
	assert.Equal(t, int64(0), est.QueueDelaySeconds)

	var assigned models.QueueEntry
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/assign", s.user,
		handlers.AssignRequest{BuilderID: "bob"}, &assigned))
	assert.Equal(t, "bob", assigned.BuilderID)

	// The holder may repeat its claim; anyone else conflicts.
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, base+"/assign", s.user,
		handlers.AssignRequest{BuilderID: "bob"}, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/builders/heartbeat", s.user,
		models.Heartbeat{BuilderID: "carol", Processor: "amd64", Virtualized: true}, nil))
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, base+"/assign", s.user,
		handlers.AssignRequest{BuilderID: "carol"}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, base+"/assign", s.user,
		handlers.AssignRequest{}, nil))

	var stats models.QueueStats
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/queue/stats", s.user, nil, &stats))
	assert.Equal(t, models.QueueStats{Running: 1}, stats)

	require.Equal(t, http.StatusNoContent, s.do(http.MethodPost, base+"/outcome", s.user,
		handlers.OutcomeRequest{Status: models.OutcomeSucceeded, LogTail: "done"}, nil))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, base, s.user, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, base+"/outcome", s.user,
		handlers.OutcomeRequest{Status: models.OutcomeSucceeded}, nil))
}

func TestManualScoreNeedsAdmin(t *testing.T) {
	s := newTestServer(t)

	var entry models.QueueEntry
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/queue", s.user, binarySubmit("amd64"), &entry))
	path := "/v1/queue/" + itoa(entry.ID) + "/score"
	five := 5

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPut, path, s.user, handlers.ScoreRequest{Score: &five}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, path, s.admin, handlers.ScoreRequest{}, nil))

	var score handlers.ScoreResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, path, s.admin, handlers.ScoreRequest{Score: &five}, &score))
	assert.Equal(t, handlers.ScoreResponse{QueueID: entry.ID, Score: 5, Manual: true}, score)

	// Rescoring leaves the pinned score alone.
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, path, s.user, nil, &score))
	assert.Equal(t, 5, score.Score)
	assert.True(t, score.Manual)
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad id", http.MethodGet, "/v1/queue/abc", nil, http.StatusBadRequest},
		{"missing entry", http.MethodGet, "/v1/queue/42", nil, http.StatusNotFound},
		{"destroy missing", http.MethodDelete, "/v1/queue/42", nil, http.StatusNotFound},
		{"unknown job type", http.MethodPost, "/v1/queue", handlers.SubmitRequest{JobType: "translation", Payload: json.RawMessage(`{}`)}, http.StatusBadRequest},
		{"bad payload", http.MethodPost, "/v1/queue", handlers.SubmitRequest{JobType: models.JobTypeBinaryPackageBuild, Payload: json.RawMessage(`{}`)}, http.StatusBadRequest},
		{"no processors", http.MethodGet, "/v1/candidates", nil, http.StatusBadRequest},
		{"heartbeat without processor", http.MethodPost, "/v1/builders/heartbeat", models.Heartbeat{BuilderID: "x"}, http.StatusBadRequest},
		{"bad virtualized", http.MethodGet, "/v1/builders/next-free?processor=amd64&virtualized=maybe", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, s.do(tt.method, tt.path, s.user, tt.body, nil))
		})
	}
}

func TestNextFreeWithoutBuilders(t *testing.T) {
	s := newTestServer(t)
	var resp handlers.NextFreeResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/builders/next-free?processor=amd64", s.user, nil, &resp))
	assert.False(t, resp.Known)
	assert.True(t, resp.Platform.Virtualized)
}

func TestLogTailStream(t *testing.T) {
	s := newTestServer(t)

	var entry models.QueueEntry
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/queue", s.user, binarySubmit("amd64"), &entry))
	require.NoError(t, s.store.Queue().UpdateLogTail(context.Background(), entry.ID, "configure: ok"))

	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/v1/queue/" + itoa(entry.ID) + "/log"
	header := http.Header{"Authorization": []string{"Bearer " + s.user}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "configure: ok", string(msg))

	require.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/v1/queue/"+itoa(entry.ID), s.user, nil, nil))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
