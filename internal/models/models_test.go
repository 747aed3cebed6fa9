package models

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitions(t *testing.T) {
	now := time.Now()
	j := &Job{ID: 1, Status: JobStatusWaiting, DateCreated: now}

	require.Error(t, j.Finish(now), "waiting job cannot finish")

	require.NoError(t, j.Start(now))
	assert.Equal(t, JobStatusRunning, j.Status)
	assert.True(t, errors.Is(j.Start(now), ErrJobTransition))

	require.NoError(t, j.Finish(now.Add(time.Minute)))
	assert.Equal(t, time.Minute, j.Elapsed(now.Add(time.Hour)))

	j.Reset()
	assert.Equal(t, JobStatusWaiting, j.Status)
	assert.Nil(t, j.DateStarted)
	assert.Nil(t, j.DateFinished)
	assert.Zero(t, j.Elapsed(now))
}

func TestPlatformMatching(t *testing.T) {
	amd64v := Platform{Processor: "amd64", Virtualized: true}
	anyv := Platform{Virtualized: true}
	anyn := Platform{}
	i386n := Platform{Processor: "i386"}

	assert.True(t, amd64v.Accepts(anyv))
	assert.True(t, amd64v.Accepts(amd64v))
	assert.False(t, amd64v.Accepts(anyn))
	assert.False(t, i386n.Accepts(amd64v))

	assert.True(t, anyv.Competes(amd64v))
	assert.True(t, amd64v.Competes(anyv))
	assert.False(t, anyv.Competes(i386n))
	assert.False(t, amd64v.Competes(Platform{Processor: "arm64", Virtualized: true}))
	assert.True(t, anyn.Competes(i386n))

	assert.Equal(t, "any/virtual", anyv.String())
	assert.Equal(t, "i386/native", i386n.String())
}

func TestRequirementDefaultsToVirtualized(t *testing.T) {
	assert.Equal(t, Platform{Processor: "amd64", Virtualized: true}, Requirement{Processor: "amd64"}.Platform())

	native := false
	assert.Equal(t, Platform{Processor: "amd64"}, Requirement{Processor: "amd64", Virtualized: &native}.Platform())
}

func TestPoolSnapshotCounts(t *testing.T) {
	snap := &PoolSnapshot{Counts: []PlatformCount{
		{Platform: Platform{Processor: "amd64", Virtualized: true}, Total: 3, Free: 1},
		{Platform: Platform{Processor: "arm64", Virtualized: true}, Total: 2, Free: 0},
		{Platform: Platform{Processor: "i386"}, Total: 1, Free: 1},
	}}

	assert.Equal(t, 6, snap.TotalWorkers())
	assert.Equal(t, 3, snap.WorkersForPlatform(Platform{Processor: "amd64", Virtualized: true}))
	assert.Equal(t, 5, snap.WorkersForPlatform(Platform{Virtualized: true}))
	assert.Equal(t, 1, snap.WorkersForPlatform(Platform{}))
	assert.Equal(t, 0, snap.WorkersForPlatform(Platform{Processor: "amd64"}))
	assert.Equal(t, 1, snap.FreeWorkers(Platform{Virtualized: true}))
	assert.Equal(t, 0, snap.FreeWorkers(Platform{Processor: "arm64", Virtualized: true}))
}

func TestQueueEntryOrdering(t *testing.T) {
	a := &QueueEntry{JobID: 1, LastScore: 10}
	b := &QueueEntry{JobID: 2, LastScore: 10}
	c := &QueueEntry{JobID: 3, LastScore: 20}

	assert.True(t, a.Ahead(b))
	assert.False(t, b.Ahead(a))
	assert.True(t, c.Ahead(a))
	assert.False(t, a.Ahead(a))
}

// Property: Competes is symmetric and implied by Accepts.
func TestProperty_CompetesSymmetric(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	processor := gen.OneConstOf("", "amd64", "arm64", "i386")

	properties.Property("competes is symmetric and accepts implies competes", prop.ForAll(
		func(p1 string, v1 bool, p2 string, v2 bool) bool {
			a := Platform{Processor: p1, Virtualized: v1}
			b := Platform{Processor: p2, Virtualized: v2}
			if a.Competes(b) != b.Competes(a) {
				return false
			}
			return !a.Accepts(b) || a.Competes(b)
		},
		processor, gen.Bool(), processor, gen.Bool(),
	))

	properties.TestingRun(t)
}
