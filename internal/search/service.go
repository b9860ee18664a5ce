package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to a
// Postgres ILIKE scan. meili may be nil when Meilisearch is not configured.
type Service struct {
	meili    *Meili
	fallback Fallback
}

func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search returns matching idea IDs for the query.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.Search(query, limit)
		if err == nil {
			return ids, nil
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}
	return s.fallback.SearchIdeaIDs(ctx, query, limit)
}

// IndexIdea indexes an idea (fire-and-forget to Meilisearch).
func (s *Service) IndexIdea(record IdeaRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIdea(record); err != nil {
			log.Printf("search: index idea %s: %v", record.ID, err)
		}
	}()
}

// ReindexAll pushes every idea into Meilisearch. Called during bootstrap.
func (s *Service) ReindexAll(records []IdeaRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexIdeas(records); err != nil {
		log.Printf("search: reindex ideas: %v", err)
	}
}
