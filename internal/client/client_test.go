package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/api"
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

const secret = "0123456789abcdef0123456789abcdef"

func setup(t *testing.T) (user, admin *Client) {
	t.Helper()

	reg := jobs.NewRegistry()
	require.NoError(t, binarybuild.Register(reg))
	require.NoError(t, recipebuild.Register(reg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()
	st := memory.New()
	q := queue.NewService(st, reg, cfg.Scheduler, logger)
	authSvc := auth.NewService(&auth.Config{JWTSecret: []byte(secret), TokenExpiry: time.Hour}, logger)
	srv := api.NewServer(cfg, q, scheduler.NewHandler(q, st, logger), authSvc, health.NewChecker(st, "test"), logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	userToken, err := authSvc.GenerateToken("u1", "u1@builders.test", auth.RoleUser)
	require.NoError(t, err)
	adminToken, err := authSvc.GenerateToken("a1", "a1@builders.test", auth.RoleAdmin)
	require.NoError(t, err)

	base := NewClient(ts.URL + "/").WithHTTPClient(ts.Client())
	return base.WithToken(userToken), base.WithToken(adminToken)
}

func recipe() handlers.SubmitRequest {
	return handlers.SubmitRequest{
		JobType:                  models.JobTypeRecipeBuild,
		Payload:                  json.RawMessage(`{"owner":"alice","name":"daily","distro_series":"noble"}`),
		Processor:                "amd64",
		EstimatedDurationSeconds: 300,
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	user, admin := setup(t)

	b, err := user.Heartbeat(ctx, models.Heartbeat{BuilderID: "bob", Processor: "amd64", Virtualized: true})
	require.NoError(t, err)
	assert.Equal(t, "bob", b.Name)

	entry, err := user.Submit(ctx, recipe())
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, entry.EstimatedDuration)

	detail, err := user.Describe(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeRecipeBuild, detail.Entry.JobType)

	score, err := user.Score(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2505, score.Score)

	_, err = user.SetScore(ctx, entry.ID, 9000)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "forbidden", apiErr.Code)

	score, err = admin.SetScore(ctx, entry.ID, 9000)
	require.NoError(t, err)
	assert.True(t, score.Manual)

	ids, err := user.Candidates(ctx, []string{"amd64"})
	require.NoError(t, err)
	assert.Equal(t, []int64{entry.ID}, ids)

	est, err := user.Estimate(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, est.Known)

	pool, err := user.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.TotalWorkers())

	next, err := user.NextFree(ctx, models.Platform{Processor: "amd64", Virtualized: true})
	require.NoError(t, err)
	assert.True(t, next.Known)
	assert.Zero(t, next.WaitSeconds)

	assigned, err := user.Assign(ctx, entry.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", assigned.BuilderID)

	again, err := user.Assign(ctx, entry.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", again.BuilderID)

	_, err = user.Heartbeat(ctx, models.Heartbeat{BuilderID: "carol", Processor: "amd64", Virtualized: true})
	require.NoError(t, err)
	_, err = user.Assign(ctx, entry.ID, "carol")
	assert.True(t, IsConflict(err), "got %v", err)

	reset, err := user.Reset(ctx, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, reset.BuilderID)

	stats, err := user.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Waiting: 1, Manual: 1}, *stats)

	require.NoError(t, user.Destroy(ctx, entry.ID))
	_, err = user.Describe(ctx, entry.ID)
	assert.True(t, IsNotFound(err), "got %v", err)
	assert.True(t, IsNotFound(user.Outcome(ctx, entry.ID, models.OutcomeFailed, "")))
}

func TestClientHealth(t *testing.T) {
	user, _ := setup(t)
	resp, err := NewClient(user.baseURL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, resp.Status)
}

func TestClientUnauthorized(t *testing.T) {
	user, _ := setup(t)
	_, err := user.WithToken("").Stats(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestErrorWithoutCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).Stats(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Equal(t, "API error (502): upstream down", err.Error())
}
