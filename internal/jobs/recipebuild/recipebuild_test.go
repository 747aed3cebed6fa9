package recipebuild

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/models"
)

func TestRegisterAndDecode(t *testing.T) {
	reg := jobs.NewRegistry()
	require.NoError(t, Register(reg))
	assert.ErrorIs(t, Register(reg), jobs.ErrDuplicateType)

	job, err := New(json.RawMessage(`{"owner":"alice","name":"daily","distro_series":"noble"}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeRecipeBuild, job.Type())
	assert.Equal(t, BaseScore, job.Score(time.Now()))
	assert.Equal(t, "buildlog_alice_daily_noble.txt.gz", job.LogFileName())
	assert.Equal(t, "recipe:alice/daily", job.DurationKey())

	req := job.Requirement()
	require.NotNil(t, req.Virtualized)
	assert.True(t, *req.Virtualized)
	assert.Empty(t, req.Processor)
}

func TestNewRejectsBadPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"empty":         ``,
		"missing name":  `{"owner":"alice","distro_series":"noble"}`,
		"unknown field": `{"owner":"alice","name":"daily","distro_series":"noble","pocket":"release"}`,
		"not json":      `owner=alice`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(json.RawMessage(payload))
			assert.Error(t, err)
		})
	}
}

func TestStartAndReset(t *testing.T) {
	r := &Recipe{Owner: "alice", Name: "daily", DistroSeries: "noble", VMImage: "noble-v2"}
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.JobStarted(first)
	r.JobReset()
	r.JobStarted(first.Add(time.Hour))

	assert.Empty(t, r.VMImage)
	require.NotNil(t, r.DateFirstDispatched)
	assert.True(t, r.DateFirstDispatched.Equal(first))

	payload, err := r.Payload()
	require.NoError(t, err)
	decoded, err := New(payload)
	require.NoError(t, err)
	got, ok := decoded.(*Recipe)
	require.True(t, ok)
	assert.Equal(t, r.Owner, got.Owner)
	assert.Empty(t, got.VMImage)
	require.NotNil(t, got.DateFirstDispatched)
	assert.True(t, got.DateFirstDispatched.Equal(first))
}

// Property: the score ignores time and only moves with the archive bonus and
// the manual request flag.
func TestProperty_ScoreIgnoresAge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("score is independent of now", prop.ForAll(
		func(hours int, relative int, manual bool) bool {
			r := &Recipe{ArchiveRelativeScore: relative, ManuallyRequested: manual}
			now := time.Unix(0, 0).Add(time.Duration(hours) * time.Hour)

			want := BaseScore + relative
			if manual {
				want += ManualRequestBonus
			}
			return r.Score(now) == want && r.Score(now.Add(48*time.Hour)) == want
		},
		gen.IntRange(0, 10000),
		gen.IntRange(-1000, 1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
