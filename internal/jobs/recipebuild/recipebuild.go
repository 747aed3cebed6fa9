// Package recipebuild implements the daily recipe build job variant.
// Recipes run untrusted code and always build virtualized.
package recipebuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/models"
)

const (
	// BaseScore is the score every recipe build starts from.
	BaseScore = 2505
	// ManualRequestBonus is added when a person asked for the build.
	ManualRequestBonus = 100
)

// Recipe is the recipe build payload.
type Recipe struct {
	Owner                string     `json:"owner"`
	Name                 string     `json:"name"`
	DistroSeries         string     `json:"distro_series"`
	ManuallyRequested    bool       `json:"manually_requested"`
	ArchiveRelativeScore int        `json:"archive_relative_score"`
	VMImage              string     `json:"vm_image,omitempty"`
	DateFirstDispatched  *time.Time `json:"date_first_dispatched,omitempty"`
}

// New decodes and validates a recipe build payload.
func New(payload json.RawMessage) (jobs.BuildFarmJob, error) {
	var r Recipe
	if err := jobs.Decode(payload, &r); err != nil {
		return nil, err
	}
	if r.Owner == "" || r.Name == "" || r.DistroSeries == "" {
		return nil, errors.New("owner, name and distro_series are required")
	}
	return &r, nil
}

// Register adds the variant to reg.
func Register(reg *jobs.Registry) error {
	return reg.Register(models.JobTypeRecipeBuild, New)
}

func (r *Recipe) Type() models.JobType { return models.JobTypeRecipeBuild }

func (r *Recipe) Score(time.Time) int {
	score := BaseScore + r.ArchiveRelativeScore
	if r.ManuallyRequested {
		score += ManualRequestBonus
	}
	return score
}

func (r *Recipe) LogFileName() string {
	return fmt.Sprintf("buildlog_%s_%s_%s.txt.gz", r.Owner, r.Name, r.DistroSeries)
}

func (r *Recipe) JobStarted(now time.Time) {
	if r.DateFirstDispatched == nil {
		t := now
		r.DateFirstDispatched = &t
	}
}

// JobReset forgets the VM image picked for the last attempt.
func (r *Recipe) JobReset() {
	r.VMImage = ""
}

// Requirement accepts any processor but always needs a virtualized builder.
func (r *Recipe) Requirement() models.Requirement {
	virtualized := true
	return models.Requirement{Virtualized: &virtualized}
}

func (r *Recipe) DurationKey() string {
	return fmt.Sprintf("recipe:%s/%s", r.Owner, r.Name)
}

func (r *Recipe) Payload() (json.RawMessage, error) {
	return json.Marshal(r)
}
