package queue

import (
	"context"
	"fmt"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// SelectCandidates returns the IDs of dispatchable entries whose processor
// is in processors or unspecified, highest score first and older job first
// on ties. It does not modify the queue.
func (s *Service) SelectCandidates(ctx context.Context, processors []string) ([]int64, error) {
	entries, err := s.store.Queue().ListCandidates(ctx, store.CandidateFilter{Processors: processors})
	if err != nil {
		return nil, fmt.Errorf("selecting candidates: %w", err)
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// CandidatesFor returns dispatchable entries the builder can run, in dispatch order.
func (s *Service) CandidatesFor(ctx context.Context, b *models.Builder, limit int) ([]*models.QueueEntry, error) {
	virtualized := b.Virtualized
	entries, err := s.store.Queue().ListCandidates(ctx, store.CandidateFilter{
		Processors:  []string{b.Processor},
		Virtualized: &virtualized,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting candidates for builder %s: %w", b.ID, err)
	}
	return entries, nil
}
