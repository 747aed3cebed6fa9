// Package binarybuild implements the job variant that builds one source
// package version for one series on one processor.
package binarybuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// Urgency weights.
var urgencyScores = map[string]int{
	"low":       5,
	"medium":    500,
	"high":      1500,
	"emergency": 3000,
}

// Component weights.
var componentScores = map[string]int{
	"main":       1000,
	"restricted": 1000,
	"universe":   250,
	"multiverse": 0,
	"partner":    0,
}

// Pocket weights.
var pocketScores = map[string]int{
	"release":   1500,
	"updates":   1500,
	"security":  4500,
	"proposed":  2500,
	"backports": 0,
}

const (
	// CopyArchivePenalty is subtracted from builds in copy archives.
	CopyArchivePenalty = 2600
	// queueAgeCap bounds the bonus a build earns for waiting.
	queueAgeCap = 24 * time.Hour
	// queueAgeStep is how long a build waits to earn one bonus point.
	queueAgeStep = 5 * time.Minute
)

// Build is the binary package build payload.
type Build struct {
	SourcePackage        string     `json:"source_package"`
	Version              string     `json:"version"`
	Series               string     `json:"series"`
	Processor            string     `json:"processor"`
	Virtualized          *bool      `json:"virtualized,omitempty"`
	Urgency              string     `json:"urgency"`
	Component            string     `json:"component"`
	Pocket               string     `json:"pocket"`
	ArchiveRelativeScore int        `json:"archive_relative_score"`
	CopyArchive          bool       `json:"copy_archive"`
	DateCreated          time.Time  `json:"date_created"`
	DateFirstDispatched  *time.Time `json:"date_first_dispatched,omitempty"`
}

// New decodes and validates a binary build payload.
func New(payload json.RawMessage) (jobs.BuildFarmJob, error) {
	var b Build
	if err := jobs.Decode(payload, &b); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Register adds the variant to r.
func Register(r *jobs.Registry) error {
	return r.Register(models.JobTypeBinaryPackageBuild, New)
}

// Validate checks the payload fields.
func (b *Build) Validate() error {
	if b.SourcePackage == "" || b.Version == "" || b.Series == "" {
		return errors.New("source_package, version and series are required")
	}
	if b.Processor == "" {
		return errors.New("processor is required")
	}
	if _, ok := urgencyScores[b.Urgency]; !ok {
		return fmt.Errorf("unknown urgency %q", b.Urgency)
	}
	if _, ok := componentScores[b.Component]; !ok {
		return fmt.Errorf("unknown component %q", b.Component)
	}
	if _, ok := pocketScores[b.Pocket]; !ok {
		return fmt.Errorf("unknown pocket %q", b.Pocket)
	}
	if b.DateCreated.IsZero() {
		return errors.New("date_created is required")
	}
	return nil
}

func (b *Build) Type() models.JobType { return models.JobTypeBinaryPackageBuild }

// Score sums the urgency, component and pocket weights with the archive's
// relative score and a bonus for time spent waiting.
func (b *Build) Score(now time.Time) int {
	score := urgencyScores[b.Urgency] + componentScores[b.Component] + pocketScores[b.Pocket]
	score += b.ArchiveRelativeScore

	age := now.Sub(b.DateCreated)
	if age > queueAgeCap {
		age = queueAgeCap
	}
	if age > 0 {
		score += int(age / queueAgeStep)
	}

	if b.CopyArchive {
		score -= CopyArchivePenalty
	}
	return score
}

func (b *Build) LogFileName() string {
	return fmt.Sprintf("buildlog_%s-%s.%s_%s_BUILDING.txt.gz",
		b.Series, b.Processor, b.SourcePackage, b.Version)
}

// JobStarted records the first dispatch; retries keep the original time.
func (b *Build) JobStarted(now time.Time) {
	if b.DateFirstDispatched == nil {
		t := now
		b.DateFirstDispatched = &t
	}
}

func (b *Build) JobReset() {}

func (b *Build) Requirement() models.Requirement {
	return models.Requirement{Processor: b.Processor, Virtualized: b.Virtualized}
}

func (b *Build) DurationKey() string {
	return fmt.Sprintf("binary:%s:%s", b.SourcePackage, b.Processor)
}

func (b *Build) Payload() (json.RawMessage, error) {
	return json.Marshal(b)
}
