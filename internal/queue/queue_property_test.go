package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// **Property: a builder holds an entry exactly when its job is running**
// For any sequence of assign, reset, destroy, complete and score operations,
// every remaining entry has a builder iff its job is running, and every
// removed entry leaves no job or farm job behind.

type op struct {
	kind    int
	entry   int
	builder int
}

func genOps() gopter.Gen {
	return gen.SliceOfN(25, gen.IntRange(0, 5*4*3-1)).Map(func(codes []int) []op {
		ops := make([]op, len(codes))
		for i, c := range codes {
			ops[i] = op{kind: c % 5, entry: (c / 5) % 4, builder: c / 20}
		}
		return ops
	})
}

func TestPropertyAssignmentMatchesJobStatus(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("builder set iff job running", prop.ForAll(
		func(ops []op) string {
			f := newFixture(t)
			builders := []string{"b0", "b1", "b2"}
			f.builder("b0", "amd64", true)
			f.builder("b1", "amd64", true)
			f.builder("b2", "i386", false)
			entries := []*models.QueueEntry{
				f.submitBinary("amd64", true, time.Minute),
				f.submitRecipe(time.Minute),
				f.submitBinary("i386", false, time.Minute),
				f.submitBinary("amd64", true, time.Minute),
			}

			for _, o := range ops {
				id := entries[o.entry].ID
				var err error
				switch o.kind {
				case 0:
					err = f.svc.AssignToWorker(f.ctx, id, builders[o.builder])
				case 1:
					err = f.svc.Reset(f.ctx, id)
				case 2:
					err = f.svc.Destroy(f.ctx, id)
				case 3:
					_, err = f.svc.Complete(f.ctx, id)
				case 4:
					_, err = f.svc.Score(f.ctx, id)
				}
				if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) {
					return fmt.Sprintf("op %+v: unexpected error %v", o, err)
				}
				if err := f.checkInvariant(); err != nil {
					return fmt.Sprintf("after op %+v: %v", o, err)
				}
			}

			for _, e := range entries {
				if _, err := f.svc.Get(f.ctx, e.ID); !errors.Is(err, ErrNotFound) {
					continue
				}
				if _, err := f.store.Jobs().Get(f.ctx, e.JobID); !errors.Is(err, store.ErrNotFound) {
					return fmt.Sprintf("entry %d removed but job %d remains", e.ID, e.JobID)
				}
				if _, err := f.store.FarmJobs().Get(f.ctx, e.JobID); !errors.Is(err, store.ErrNotFound) {
					return fmt.Sprintf("entry %d removed but farm job %d remains", e.ID, e.JobID)
				}
			}
			return ""
		},
		genOps(),
	))

	properties.TestingRun(t)
}

// **Property: reset is idempotent**
// Resetting an entry twice leaves it exactly as resetting it once.

func TestPropertyResetIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("reset twice equals reset once", prop.ForAll(
		func(assigned bool, tail string) bool {
			f := newFixture(t)
			f.builder("b0", "amd64", true)
			entry := f.submitBinary("amd64", true, time.Minute)
			if assigned {
				if err := f.svc.AssignToWorker(f.ctx, entry.ID, "b0"); err != nil {
					return false
				}
				if err := f.svc.UpdateLogTail(f.ctx, entry.ID, tail); err != nil {
					return false
				}
			}

			if err := f.svc.Reset(f.ctx, entry.ID); err != nil {
				return false
			}
			once, err := f.svc.Describe(f.ctx, entry.ID)
			if err != nil {
				return false
			}
			if err := f.svc.Reset(f.ctx, entry.ID); err != nil {
				return false
			}
			twice, err := f.svc.Describe(f.ctx, entry.ID)
			if err != nil {
				return false
			}

			return *once.Entry == *twice.Entry &&
				once.Job.Status == models.JobStatusWaiting &&
				twice.Job.DateStarted == nil &&
				once.BuildState == twice.BuildState &&
				string(once.Payload) == string(twice.Payload)
		},
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// **Property: entries outside the target's competition do not change its delay**

func genPlatform() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("", "amd64", "arm64", "i386"),
		gen.Bool(),
	).Map(func(vals []interface{}) models.Platform {
		return models.Platform{Processor: vals[0].(string), Virtualized: vals[1].(bool)}
	})
}

func genEntries() gopter.Gen {
	return gen.SliceOfN(12, gopter.CombineGens(
		genPlatform(),
		gen.IntRange(0, 20),
		gen.Int64Range(1, 3600),
	).Map(func(vals []interface{}) *models.QueueEntry {
		p := vals[0].(models.Platform)
		return &models.QueueEntry{
			LastScore:         vals[1].(int),
			Processor:         p.Processor,
			Virtualized:       p.Virtualized,
			EstimatedDuration: time.Duration(vals[2].(int64)) * time.Second,
		}
	}))
}

func TestPropertyQueueDelayIgnoresNonCompetitors(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	snap := &models.PoolSnapshot{Counts: []models.PlatformCount{
		{Platform: models.Platform{Processor: "amd64", Virtualized: true}, Total: 3},
		{Platform: models.Platform{Processor: "arm64", Virtualized: true}, Total: 1},
		{Platform: models.Platform{Processor: "i386"}, Total: 2},
	}}

	properties.Property("delay depends only on competing entries", prop.ForAll(
		func(entries []*models.QueueEntry) bool {
			for i, e := range entries {
				e.ID = int64(i + 1)
				e.JobID = int64(i + 1)
			}
			target := entries[0]

			var competing []*models.QueueEntry
			for _, e := range entries {
				if e == target || target.Platform().Competes(e.Platform()) {
					competing = append(competing, e)
				}
			}

			all := queueDelay(target, entries, snap)
			only := queueDelay(target, competing, snap)
			return all.Delay == only.Delay &&
				all.HeadPlatform == only.HeadPlatform &&
				all.Delay >= 0 &&
				target.Platform().Competes(all.HeadPlatform)
		},
		genEntries(),
	))

	properties.Property("running entries never yield a negative wait", prop.ForAll(
		func(p models.Platform, elapsed []int64) bool {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			running := make([]*models.RunningEntry, len(elapsed))
			for i, secs := range elapsed {
				running[i] = &models.RunningEntry{
					QueueID:           int64(i + 1),
					Builder:           models.Platform{Processor: "amd64", Virtualized: true},
					StartedAt:         now.Add(-time.Duration(secs) * time.Second),
					EstimatedDuration: 10 * time.Minute,
				}
			}
			wait, err := nextFree(running, p, now, 2*time.Minute)
			if err != nil {
				return errors.Is(err, ErrEstimationUnavailable)
			}
			return wait >= 0 && wait <= 10*time.Minute
		},
		genPlatform(),
		gen.SliceOfN(5, gen.Int64Range(0, 3600)),
	))

	properties.TestingRun(t)
}
