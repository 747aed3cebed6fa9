package models

import "fmt"

// Platform is the (processor, virtualized) pair a job requires and a builder provides.
// An empty Processor means any processor.
type Platform struct {
	Processor   string `json:"processor,omitempty"`
	Virtualized bool   `json:"virtualized"`
}

// Independent reports whether the platform accepts any processor.
func (p Platform) Independent() bool {
	return p.Processor == ""
}

// Accepts reports whether a builder of platform p can run a job requiring req.
func (p Platform) Accepts(req Platform) bool {
	if p.Virtualized != req.Virtualized {
		return false
	}
	return req.Independent() || req.Processor == p.Processor
}

// Competes reports whether jobs requiring p and other draw from the same builders.
func (p Platform) Competes(other Platform) bool {
	if p.Virtualized != other.Virtualized {
		return false
	}
	return p.Processor == other.Processor || p.Independent() || other.Independent()
}

func (p Platform) String() string {
	processor := p.Processor
	if processor == "" {
		processor = "any"
	}
	mode := "native"
	if p.Virtualized {
		mode = "virtual"
	}
	return fmt.Sprintf("%s/%s", processor, mode)
}

// Requirement is what a job variant declares about where it can run.
// A nil Virtualized means the variant does not care.
type Requirement struct {
	Processor   string
	Virtualized *bool
}

// Platform resolves the requirement, treating unspecified virtualization as virtualized.
func (r Requirement) Platform() Platform {
	virtualized := true
	if r.Virtualized != nil {
		virtualized = *r.Virtualized
	}
	return Platform{Processor: r.Processor, Virtualized: virtualized}
}
