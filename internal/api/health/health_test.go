package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinger(healthy bool) Pinger {
	return PingFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	})
}

// **Property: overall status follows the worst component**
// A failing database makes the service unhealthy; a failing optional
// component only degrades it.
func TestPropertyOverallStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("overall status", prop.ForAll(
		func(dbHealthy, natsHealthy bool) bool {
			c := NewChecker(pinger(dbHealthy), "v1.0.0")
			c.Register("nats", pinger(natsHealthy), false)
			resp := c.Check(context.Background())

			want := StatusHealthy
			switch {
			case !dbHealthy:
				want = StatusUnhealthy
			case !natsHealthy:
				want = StatusDegraded
			}
			if resp.Status != want {
				return false
			}
			if _, ok := resp.Components["database"]; !ok {
				return false
			}
			return natsHealthy == (resp.Components["nats"].Status == StatusHealthy)
		},
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestNilDatabaseIsUnhealthy(t *testing.T) {
	resp := NewChecker(nil, "dev").Check(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusUnhealthy, resp.Components["database"].Status)
}

func TestCheckRespectsTimeout(t *testing.T) {
	slow := PingFunc(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	c := NewChecker(slow, "dev")
	c.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	resp := c.Check(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		db     bool
		nats   bool
		status int
	}{
		{name: "healthy", db: true, nats: true, status: http.StatusOK},
		{name: "degraded", db: true, nats: false, status: http.StatusOK},
		{name: "unhealthy", db: false, nats: true, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(pinger(tt.db), "v2.3.4")
			c.Register("nats", pinger(tt.nats), false)

			rec := httptest.NewRecorder()
			c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.status, rec.Code)
			var resp Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "v2.3.4", resp.Version)
			assert.Len(t, resp.Components, 2)
		})
	}
}
