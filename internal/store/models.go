package store

import "time"

type User struct {
	ID        string
	Subject   string
	Name      string
	Email     string
	Picture   string
	CreatedAt time.Time
}

type Idea struct {
	ID             string
	Title          string
	Developed      bool
	DevelopedTitle *string
	Problem        *string
	Solution       *string
	MVP            *string
	HoursEstimate  *int
	Region         string
	CreatedBy      *string
	CreatedAt      time.Time
	DevelopedAt    *time.Time
}

type Vote struct {
	ID        string
	IdeaID    string
	UserID    string
	CreatedAt time.Time
}

// DevelopedFields is the payload persisted by the one-shot finalize update.
type DevelopedFields struct {
	DevelopedTitle string
	Problem        string
	Solution       string
	MVP            string
	HoursEstimate  int
}
