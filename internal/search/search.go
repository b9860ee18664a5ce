package search

import "context"

// IdeaRecord is the data indexed for an idea. Finalized pitch fields are
// included so developed ideas match on their expanded text.
type IdeaRecord struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	DevelopedTitle string `json:"developedTitle"`
	Problem        string `json:"problem"`
	Solution       string `json:"solution"`
	MVP            string `json:"mvp"`
	Developed      bool   `json:"developed"`
}

// Fallback finds matching idea IDs when Meilisearch is unavailable.
type Fallback interface {
	SearchIdeaIDs(ctx context.Context, query string, limit int) ([]string, error)
}
