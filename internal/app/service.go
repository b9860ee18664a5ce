package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"jelly/api/internal/auth"
	"jelly/api/internal/config"
	"jelly/api/internal/identity"
	"jelly/api/internal/pitch"
	"jelly/api/internal/search"
	"jelly/api/internal/store"
	"jelly/api/internal/util"
)

const (
	maxTitleLen          = 140
	maxDevelopedTitleLen = 120
	maxFinalizeTextLen   = 4000
	stateTTL             = 10 * time.Minute
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Picture      string
	JTI          string
	ExpiresAt    time.Time
}

// IdeaView is an idea enriched with leaderboard data for the listing endpoint.
type IdeaView struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Developed      bool      `json:"developed"`
	DevelopedTitle *string   `json:"developed_title"`
	Problem        *string   `json:"problem"`
	Solution       *string   `json:"solution"`
	MVP            *string   `json:"mvp"`
	HoursEstimate  *int      `json:"hours_estimate"`
	Region         string    `json:"region"`
	CreatedAt      time.Time `json:"created_at"`
	Votes          int       `json:"votes"`
	HasVoted       bool      `json:"hasVoted"`
}

// FinalizeInput carries the caller-approved draft fields. hours_estimate is
// accepted as any JSON value and coerced, matching the lenient develop draft.
type FinalizeInput struct {
	DevelopedTitle string `json:"developed_title"`
	Problem        string `json:"problem"`
	Solution       string `json:"solution"`
	MVP            string `json:"mvp"`
	HoursEstimate  any    `json:"hours_estimate"`
}

type dataStore interface {
	EnsureUserBySubject(ctx context.Context, subject, name, email, picture string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertIdea(ctx context.Context, title, region string, createdBy *string) (store.Idea, error)
	GetIdea(context.Context, string) (store.Idea, error)
	ListIdeas(context.Context) ([]store.Idea, error)
	FinalizeIdea(context.Context, string, store.DevelopedFields) error
	ListVotes(context.Context) ([]store.Vote, error)
	FindVote(ctx context.Context, ideaID, userID string) (*store.Vote, error)
	InsertVote(ctx context.Context, ideaID, userID string) error
	DeleteVote(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	SearchIdeaIDs(ctx context.Context, query string, limit int) ([]string, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type pitchClient interface {
	Expand(ctx context.Context, title string) (pitch.Draft, error)
}

type identityClient interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (identity.Profile, error)
}

type searchService interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
	IndexIdea(record search.IdeaRecord)
	ReindexAll(records []search.IdeaRecord)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	pitch    pitchClient
	identity identityClient
	search   searchService
}

func New(cfg config.Config, dataStore *store.PostgresStore, pitchClient *pitch.Client, idClient *identity.Client, searchSvc *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		pitch:    pitchClient,
		identity: idClient,
		search:   searchSvc,
	}
}

// NewWithSessionStore keeps refresh tokens in Redis instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, pitchClient *pitch.Client, idClient *identity.Client, searchSvc *search.Service) *Service {
	service := New(cfg, dataStore, pitchClient, idClient, searchSvc)
	service.sessions = sessions
	return service
}

// Bootstrap pushes existing ideas into the search index on startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	ideas, err := s.store.ListIdeas(ctx)
	if err != nil {
		return err
	}
	records := make([]search.IdeaRecord, 0, len(ideas))
	for _, idea := range ideas {
		records = append(records, ideaRecord(idea))
	}
	s.search.ReindexAll(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Idea lifecycle ──

func (s *Service) CreateIdea(ctx context.Context, title, creatorID string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", errValidation("Title is required")
	}
	if utf8.RuneCountInString(trimmed) > maxTitleLen {
		return "", errValidation("Max 140 chars")
	}

	var createdBy *string
	if creatorID != "" {
		createdBy = &creatorID
	}

	idea, err := s.store.InsertIdea(ctx, trimmed, s.cfg.Region, createdBy)
	if err != nil {
		return "", err
	}
	s.search.IndexIdea(ideaRecord(idea))
	return idea.ID, nil
}

// DevelopIdea returns an AI-drafted expansion preview. It never mutates the
// idea; only finalize flips developed.
func (s *Service) DevelopIdea(ctx context.Context, ideaID string) (pitch.Draft, error) {
	idea, err := s.store.GetIdea(ctx, ideaID)
	if errors.Is(err, sql.ErrNoRows) {
		return pitch.Draft{}, errNotFound("Idea not found")
	}
	if err != nil {
		return pitch.Draft{}, err
	}
	if idea.Developed {
		return pitch.Draft{}, errConflict("Already developed")
	}

	draft, err := s.pitch.Expand(ctx, idea.Title)
	if err != nil {
		if errors.Is(err, pitch.ErrUnsupportedProvider) {
			return pitch.Draft{}, errConfiguration("Unsupported AI provider")
		}
		var upstream *pitch.UpstreamError
		if errors.As(err, &upstream) {
			return pitch.Draft{}, errUpstream("AI error: " + upstream.Message)
		}
		return pitch.Draft{}, err
	}
	return draft, nil
}

func (s *Service) FinalizeIdea(ctx context.Context, ideaID string, input FinalizeInput) error {
	idea, err := s.store.GetIdea(ctx, ideaID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("Idea not found")
	}
	if err != nil {
		return err
	}
	// Pre-check only; the conditional update below is the guarantee.
	if idea.Developed {
		return errConflict("Already developed")
	}

	fields := store.DevelopedFields{
		DevelopedTitle: clipRunes(strings.TrimSpace(input.DevelopedTitle), maxDevelopedTitleLen),
		Problem:        clipRunes(strings.TrimSpace(input.Problem), maxFinalizeTextLen),
		Solution:       clipRunes(strings.TrimSpace(input.Solution), maxFinalizeTextLen),
		MVP:            clipRunes(strings.TrimSpace(input.MVP), maxFinalizeTextLen),
		HoursEstimate:  pitch.CoerceHours(input.HoursEstimate),
	}

	if err := s.store.FinalizeIdea(ctx, ideaID, fields); err != nil {
		if errors.Is(err, store.ErrAlreadyDeveloped) {
			return errConflict("Already developed")
		}
		return err
	}

	idea.Developed = true
	idea.DevelopedTitle = &fields.DevelopedTitle
	idea.Problem = &fields.Problem
	idea.Solution = &fields.Solution
	idea.MVP = &fields.MVP
	s.search.IndexIdea(ideaRecord(idea))
	return nil
}

// ── Vote aggregation ──

// ToggleVote flips the viewer's endorsement of an idea. The unique constraint
// on (idea_id, user_id) is the source of truth: a duplicate insert lost to a
// concurrent toggle is reported as added rather than an error.
func (s *Service) ToggleVote(ctx context.Context, ideaID, userID string) (string, error) {
	existing, err := s.store.FindVote(ctx, ideaID, userID)
	if err != nil {
		return "", err
	}

	if existing != nil {
		if err := s.store.DeleteVote(ctx, existing.ID); err != nil {
			return "", err
		}
		return "removed", nil
	}

	if err := s.store.InsertVote(ctx, ideaID, userID); err != nil {
		if errors.Is(err, store.ErrDuplicateVote) {
			return "added", nil
		}
		return "", err
	}
	return "added", nil
}

// ListIdeas returns the leaderboard: every idea with its vote count and the
// viewer's hasVoted flag, sorted by votes descending with newest-first ties.
func (s *Service) ListIdeas(ctx context.Context, viewerID, query string) ([]IdeaView, error) {
	ideas, err := s.store.ListIdeas(ctx)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx)
	if err != nil {
		return nil, err
	}

	if query = strings.TrimSpace(query); query != "" {
		matched, err := s.search.Search(ctx, query, 50)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]struct{}, len(matched))
		for _, id := range matched {
			keep[id] = struct{}{}
		}
		filtered := ideas[:0]
		for _, idea := range ideas {
			if _, ok := keep[idea.ID]; ok {
				filtered = append(filtered, idea)
			}
		}
		ideas = filtered
	}

	counts := make(map[string]int, len(ideas))
	voted := make(map[string]struct{})
	for _, vote := range votes {
		counts[vote.IdeaID]++
		if viewerID != "" && vote.UserID == viewerID {
			voted[vote.IdeaID] = struct{}{}
		}
	}

	items := make([]IdeaView, 0, len(ideas))
	for _, idea := range ideas {
		_, hasVoted := voted[idea.ID]
		items = append(items, IdeaView{
			ID:             idea.ID,
			Title:          idea.Title,
			Developed:      idea.Developed,
			DevelopedTitle: idea.DevelopedTitle,
			Problem:        idea.Problem,
			Solution:       idea.Solution,
			MVP:            idea.MVP,
			HoursEstimate:  idea.HoursEstimate,
			Region:         idea.Region,
			CreatedAt:      idea.CreatedAt,
			Votes:          counts[idea.ID],
			HasVoted:       hasVoted,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Votes != items[j].Votes {
			return items[i].Votes > items[j].Votes
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// ── Sessions ──

// LoginURL builds the provider authorize URL with a signed CSRF state.
func (s *Service) LoginURL() (string, error) {
	if !s.identity.Configured() {
		return "", errConfiguration("Identity provider not configured")
	}
	state, err := auth.IssueState([]byte(s.cfg.SessionSecret), util.NewID("st"), stateTTL)
	if err != nil {
		return "", err
	}
	return s.identity.AuthCodeURL(state), nil
}

// HandleCallback completes the authorization-code flow and issues a session.
func (s *Service) HandleCallback(ctx context.Context, code, state string) (Session, error) {
	if err := auth.VerifyState([]byte(s.cfg.SessionSecret), state); err != nil {
		return Session{}, errValidation("Invalid state parameter")
	}
	if strings.TrimSpace(code) == "" {
		return Session{}, errValidation("Missing authorization code")
	}

	profile, err := s.identity.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, identity.ErrNotConfigured) {
			return Session{}, errConfiguration("Identity provider not configured")
		}
		return Session{}, errUpstream("Identity exchange failed: " + err.Error())
	}

	user, err := s.store.EnsureUserBySubject(ctx, profile.Subject, profile.Name, profile.Email, profile.Picture)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Picture:      user.Picture,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Picture:   user.Picture,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ── helpers ──

func ideaRecord(idea store.Idea) search.IdeaRecord {
	record := search.IdeaRecord{
		ID:        idea.ID,
		Title:     idea.Title,
		Developed: idea.Developed,
	}
	if idea.DevelopedTitle != nil {
		record.DevelopedTitle = *idea.DevelopedTitle
	}
	if idea.Problem != nil {
		record.Problem = *idea.Problem
	}
	if idea.Solution != nil {
		record.Solution = *idea.Solution
	}
	if idea.MVP != nil {
		record.MVP = *idea.MVP
	}
	return record
}

func clipRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
