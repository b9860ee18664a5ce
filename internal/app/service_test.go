package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"jelly/api/internal/config"
	"jelly/api/internal/identity"
	"jelly/api/internal/pitch"
	"jelly/api/internal/search"
	"jelly/api/internal/store"
)

type fakeStore struct {
	ensureUserBySubjectFn  func(context.Context, string, string, string, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	insertIdeaFn           func(ctx context.Context, title, region string, createdBy *string) (store.Idea, error)
	getIdeaFn              func(context.Context, string) (store.Idea, error)
	listIdeasFn            func(context.Context) ([]store.Idea, error)
	finalizeIdeaFn         func(context.Context, string, store.DevelopedFields) error
	listVotesFn            func(context.Context) ([]store.Vote, error)
	findVoteFn             func(ctx context.Context, ideaID, userID string) (*store.Vote, error)
	insertVoteFn           func(ctx context.Context, ideaID, userID string) error
	deleteVoteFn           func(context.Context, string) error
	lookupRefreshFn        func(context.Context, string) (store.User, error)
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	searchIdeaIDsFn        func(ctx context.Context, query string, limit int) ([]string, error)
}

func (f *fakeStore) EnsureUserBySubject(ctx context.Context, subject, name, email, picture string) (store.User, error) {
	if f.ensureUserBySubjectFn != nil {
		return f.ensureUserBySubjectFn(ctx, subject, name, email, picture)
	}
	return store.User{ID: "user-1", Subject: subject, Name: name}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Name: "Avery"}, nil
}
func (f *fakeStore) InsertIdea(ctx context.Context, title, region string, createdBy *string) (store.Idea, error) {
	if f.insertIdeaFn != nil {
		return f.insertIdeaFn(ctx, title, region, createdBy)
	}
	return store.Idea{ID: "idea-1", Title: title, Region: region}, nil
}
func (f *fakeStore) GetIdea(ctx context.Context, ideaID string) (store.Idea, error) {
	if f.getIdeaFn != nil {
		return f.getIdeaFn(ctx, ideaID)
	}
	return store.Idea{}, sql.ErrNoRows
}
func (f *fakeStore) ListIdeas(ctx context.Context) ([]store.Idea, error) {
	if f.listIdeasFn != nil {
		return f.listIdeasFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) FinalizeIdea(ctx context.Context, ideaID string, fields store.DevelopedFields) error {
	if f.finalizeIdeaFn != nil {
		return f.finalizeIdeaFn(ctx, ideaID, fields)
	}
	return nil
}
func (f *fakeStore) ListVotes(ctx context.Context) ([]store.Vote, error) {
	if f.listVotesFn != nil {
		return f.listVotesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) FindVote(ctx context.Context, ideaID, userID string) (*store.Vote, error) {
	if f.findVoteFn != nil {
		return f.findVoteFn(ctx, ideaID, userID)
	}
	return nil, nil
}
func (f *fakeStore) InsertVote(ctx context.Context, ideaID, userID string) error {
	if f.insertVoteFn != nil {
		return f.insertVoteFn(ctx, ideaID, userID)
	}
	return nil
}
func (f *fakeStore) DeleteVote(ctx context.Context, voteID string) error {
	if f.deleteVoteFn != nil {
		return f.deleteVoteFn(ctx, voteID)
	}
	return nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, store.User, time.Time) error {
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshFn != nil {
		return f.lookupRefreshFn(ctx, tokenHash)
	}
	return store.User{}, errors.New("token not found or expired")
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error {
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) SearchIdeaIDs(ctx context.Context, query string, limit int) ([]string, error) {
	if f.searchIdeaIDsFn != nil {
		return f.searchIdeaIDsFn(ctx, query, limit)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakePitch struct {
	expandFn func(context.Context, string) (pitch.Draft, error)
}

func (f *fakePitch) Expand(ctx context.Context, title string) (pitch.Draft, error) {
	if f.expandFn != nil {
		return f.expandFn(ctx, title)
	}
	return pitch.Draft{}, nil
}

type fakeIdentity struct {
	configured bool
	exchangeFn func(context.Context, string) (identity.Profile, error)
}

func (f *fakeIdentity) Configured() bool { return f.configured }
func (f *fakeIdentity) AuthCodeURL(state string) string {
	return "https://id.example.test/authorize?state=" + state
}
func (f *fakeIdentity) Exchange(ctx context.Context, code string) (identity.Profile, error) {
	if f.exchangeFn != nil {
		return f.exchangeFn(ctx, code)
	}
	return identity.Profile{}, errors.New("exchange not configured")
}

type fakeSearch struct {
	searchFn func(ctx context.Context, query string, limit int) ([]string, error)
	indexed  []search.IdeaRecord
}

func (f *fakeSearch) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, query, limit)
	}
	return nil, nil
}
func (f *fakeSearch) IndexIdea(record search.IdeaRecord)     { f.indexed = append(f.indexed, record) }
func (f *fakeSearch) ReindexAll(records []search.IdeaRecord) { f.indexed = append(f.indexed, records...) }

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			SessionSecret: "test-secret",
			AccessTTL:     time.Hour,
			RefreshTTL:    24 * time.Hour,
			Region:        "South Florida",
		},
		store:    fs,
		sessions: fs,
		pitch:    &fakePitch{},
		identity: &fakeIdentity{},
		search:   &fakeSearch{},
	}
}

func assertDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

func TestCreateIdeaTrimsAndStores(t *testing.T) {
	var gotTitle, gotRegion string
	var gotCreatedBy *string
	fs := &fakeStore{
		insertIdeaFn: func(_ context.Context, title, region string, createdBy *string) (store.Idea, error) {
			gotTitle = title
			gotRegion = region
			gotCreatedBy = createdBy
			return store.Idea{ID: "idea-9", Title: title, Region: region}, nil
		},
	}
	svc := newTestService(fs)

	id, err := svc.CreateIdea(context.Background(), "  Beach cleanup robots  ", "user-1")
	if err != nil {
		t.Fatalf("create idea: %v", err)
	}
	if id != "idea-9" {
		t.Fatalf("expected idea-9, got %q", id)
	}
	if gotTitle != "Beach cleanup robots" {
		t.Fatalf("expected trimmed title, got %q", gotTitle)
	}
	if gotRegion != "South Florida" {
		t.Fatalf("expected region from config, got %q", gotRegion)
	}
	if gotCreatedBy == nil || *gotCreatedBy != "user-1" {
		t.Fatalf("expected createdBy user-1, got %v", gotCreatedBy)
	}
}

func TestCreateIdeaRejectsBlankTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateIdea(context.Background(), "   ", "user-1")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateIdeaRejectsOverlongTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateIdea(context.Background(), strings.Repeat("x", 141), "user-1")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateIdeaAcceptsExactly140Runes(t *testing.T) {
	svc := newTestService(&fakeStore{
		insertIdeaFn: func(_ context.Context, title, region string, _ *string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: title, Region: region}, nil
		},
	})
	// multibyte runes count as one character each
	if _, err := svc.CreateIdea(context.Background(), strings.Repeat("é", 140), "user-1"); err != nil {
		t.Fatalf("expected 140-rune title to pass, got %v", err)
	}
}

func TestDevelopIdeaNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.DevelopIdea(context.Background(), "idea-missing")
	assertDomainCode(t, err, "NOT_FOUND")
}

func TestDevelopIdeaAlreadyDevelopedConflict(t *testing.T) {
	svc := newTestService(&fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "old", Developed: true}, nil
		},
	})
	_, err := svc.DevelopIdea(context.Background(), "idea-1")
	assertDomainCode(t, err, "CONFLICT")
}

func TestDevelopIdeaReturnsDraftWithoutMutating(t *testing.T) {
	finalized := false
	fs := &fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "Beach cleanup robots"}, nil
		},
		finalizeIdeaFn: func(context.Context, string, store.DevelopedFields) error {
			finalized = true
			return nil
		},
	}
	svc := newTestService(fs)
	svc.pitch = &fakePitch{
		expandFn: func(_ context.Context, title string) (pitch.Draft, error) {
			if title != "Beach cleanup robots" {
				t.Fatalf("expected original title forwarded, got %q", title)
			}
			return pitch.Draft{
				DevelopedTitle: "RoboTide",
				Problem:        "Beaches are dirty",
				Solution:       "Autonomous sweepers",
				MVP:            "One robot, one beach",
				HoursEstimate:  30,
			}, nil
		},
	}

	draft, err := svc.DevelopIdea(context.Background(), "idea-1")
	if err != nil {
		t.Fatalf("develop: %v", err)
	}
	if draft.DevelopedTitle != "RoboTide" || draft.HoursEstimate != 30 {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if finalized {
		t.Fatalf("develop must not persist anything")
	}
}

func TestDevelopIdeaMapsUpstreamError(t *testing.T) {
	svc := newTestService(&fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "t"}, nil
		},
	})
	svc.pitch = &fakePitch{
		expandFn: func(context.Context, string) (pitch.Draft, error) {
			return pitch.Draft{}, &pitch.UpstreamError{Message: "rate limited"}
		},
	}
	_, err := svc.DevelopIdea(context.Background(), "idea-1")
	assertDomainCode(t, err, "UPSTREAM_ERROR")
	var domainErr *DomainError
	errors.As(err, &domainErr)
	if !strings.Contains(domainErr.Message, "rate limited") {
		t.Fatalf("expected provider message surfaced, got %q", domainErr.Message)
	}
}

func TestDevelopIdeaMapsUnsupportedProvider(t *testing.T) {
	svc := newTestService(&fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "t"}, nil
		},
	})
	svc.pitch = &fakePitch{
		expandFn: func(context.Context, string) (pitch.Draft, error) {
			return pitch.Draft{}, pitch.ErrUnsupportedProvider
		},
	}
	_, err := svc.DevelopIdea(context.Background(), "idea-1")
	assertDomainCode(t, err, "CONFIG_ERROR")
}

func TestFinalizeIdeaClipsAndCoercesFields(t *testing.T) {
	var got store.DevelopedFields
	fs := &fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "t"}, nil
		},
		finalizeIdeaFn: func(_ context.Context, _ string, fields store.DevelopedFields) error {
			got = fields
			return nil
		},
	}
	svc := newTestService(fs)

	err := svc.FinalizeIdea(context.Background(), "idea-1", FinalizeInput{
		DevelopedTitle: "  " + strings.Repeat("T", 200) + "  ",
		Problem:        strings.Repeat("p", 5000),
		Solution:       "fine",
		MVP:            "ship it",
		HoursEstimate:  "14.4",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len([]rune(got.DevelopedTitle)) != 120 {
		t.Fatalf("expected title clipped to 120 runes, got %d", len([]rune(got.DevelopedTitle)))
	}
	if len([]rune(got.Problem)) != 4000 {
		t.Fatalf("expected problem clipped to 4000 runes, got %d", len([]rune(got.Problem)))
	}
	if got.Solution != "fine" || got.MVP != "ship it" {
		t.Fatalf("unexpected fields: %+v", got)
	}
	if got.HoursEstimate != 14 {
		t.Fatalf("expected hours 14, got %d", got.HoursEstimate)
	}
}

func TestFinalizeIdeaHoursDefaults(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  int
	}{
		{"missing", nil, 20},
		{"non-numeric string", "soon", 20},
		{"rounds up", 7.6, 8},
		{"floors at one", 0.2, 1},
		{"negative", -3.0, 1},
		{"integer string", "40", 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got store.DevelopedFields
			fs := &fakeStore{
				getIdeaFn: func(context.Context, string) (store.Idea, error) {
					return store.Idea{ID: "idea-1", Title: "t"}, nil
				},
				finalizeIdeaFn: func(_ context.Context, _ string, fields store.DevelopedFields) error {
					got = fields
					return nil
				},
			}
			svc := newTestService(fs)
			if err := svc.FinalizeIdea(context.Background(), "idea-1", FinalizeInput{HoursEstimate: tc.input}); err != nil {
				t.Fatalf("finalize: %v", err)
			}
			if got.HoursEstimate != tc.want {
				t.Fatalf("expected hours %d, got %d", tc.want, got.HoursEstimate)
			}
		})
	}
}

func TestFinalizeIdeaAlreadyDevelopedConflict(t *testing.T) {
	svc := newTestService(&fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "t", Developed: true}, nil
		},
	})
	err := svc.FinalizeIdea(context.Background(), "idea-1", FinalizeInput{})
	assertDomainCode(t, err, "CONFLICT")
}

func TestFinalizeIdeaLostRaceReportsConflict(t *testing.T) {
	// GetIdea saw developed=false, but the conditional update lost the race.
	svc := newTestService(&fakeStore{
		getIdeaFn: func(context.Context, string) (store.Idea, error) {
			return store.Idea{ID: "idea-1", Title: "t"}, nil
		},
		finalizeIdeaFn: func(context.Context, string, store.DevelopedFields) error {
			return store.ErrAlreadyDeveloped
		},
	})
	err := svc.FinalizeIdea(context.Background(), "idea-1", FinalizeInput{})
	assertDomainCode(t, err, "CONFLICT")
}

func TestFinalizeIdeaNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{})
	err := svc.FinalizeIdea(context.Background(), "idea-missing", FinalizeInput{})
	assertDomainCode(t, err, "NOT_FOUND")
}

func TestToggleVoteAddsWhenAbsent(t *testing.T) {
	inserted := false
	svc := newTestService(&fakeStore{
		insertVoteFn: func(_ context.Context, ideaID, userID string) error {
			inserted = true
			if ideaID != "idea-1" || userID != "user-1" {
				t.Fatalf("unexpected insert %s/%s", ideaID, userID)
			}
			return nil
		},
	})
	action, err := svc.ToggleVote(context.Background(), "idea-1", "user-1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if action != "added" || !inserted {
		t.Fatalf("expected added, got %q (inserted=%v)", action, inserted)
	}
}

func TestToggleVoteRemovesWhenPresent(t *testing.T) {
	var deletedID string
	svc := newTestService(&fakeStore{
		findVoteFn: func(context.Context, string, string) (*store.Vote, error) {
			return &store.Vote{ID: "vote-7", IdeaID: "idea-1", UserID: "user-1"}, nil
		},
		deleteVoteFn: func(_ context.Context, voteID string) error {
			deletedID = voteID
			return nil
		},
	})
	action, err := svc.ToggleVote(context.Background(), "idea-1", "user-1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if action != "removed" || deletedID != "vote-7" {
		t.Fatalf("expected removed vote-7, got %q / %q", action, deletedID)
	}
}

func TestToggleVoteDuplicateInsertIsIdempotent(t *testing.T) {
	svc := newTestService(&fakeStore{
		insertVoteFn: func(context.Context, string, string) error {
			return store.ErrDuplicateVote
		},
	})
	action, err := svc.ToggleVote(context.Background(), "idea-1", "user-1")
	if err != nil {
		t.Fatalf("duplicate insert should not surface an error, got %v", err)
	}
	if action != "added" {
		t.Fatalf("expected added, got %q", action)
	}
}

func TestListIdeasLeaderboardOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(&fakeStore{
		listIdeasFn: func(context.Context) ([]store.Idea, error) {
			return []store.Idea{
				{ID: "idea-old", Title: "old favorite", CreatedAt: base},
				{ID: "idea-new", Title: "new favorite", CreatedAt: base.Add(time.Hour)},
				{ID: "idea-low", Title: "long shot", CreatedAt: base.Add(2 * time.Hour)},
			}, nil
		},
		listVotesFn: func(context.Context) ([]store.Vote, error) {
			return []store.Vote{
				{ID: "v1", IdeaID: "idea-old", UserID: "a"},
				{ID: "v2", IdeaID: "idea-old", UserID: "b"},
				{ID: "v3", IdeaID: "idea-old", UserID: "c"},
				{ID: "v4", IdeaID: "idea-new", UserID: "a"},
				{ID: "v5", IdeaID: "idea-new", UserID: "b"},
				{ID: "v6", IdeaID: "idea-new", UserID: "viewer-1"},
				{ID: "v7", IdeaID: "idea-low", UserID: "a"},
			}, nil
		},
	})

	items, err := svc.ListIdeas(context.Background(), "viewer-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 ideas, got %d", len(items))
	}
	// 3-3 tie resolves to the newer idea first
	if items[0].ID != "idea-new" || items[1].ID != "idea-old" || items[2].ID != "idea-low" {
		t.Fatalf("unexpected order: %s, %s, %s", items[0].ID, items[1].ID, items[2].ID)
	}
	if items[0].Votes != 3 || items[2].Votes != 1 {
		t.Fatalf("unexpected counts: %d, %d", items[0].Votes, items[2].Votes)
	}
	if !items[0].HasVoted {
		t.Fatalf("viewer voted for idea-new")
	}
	if items[1].HasVoted || items[2].HasVoted {
		t.Fatalf("viewer only voted for idea-new")
	}
}

func TestListIdeasAnonymousViewerHasNoVotedFlags(t *testing.T) {
	svc := newTestService(&fakeStore{
		listIdeasFn: func(context.Context) ([]store.Idea, error) {
			return []store.Idea{{ID: "idea-1", Title: "t"}}, nil
		},
		listVotesFn: func(context.Context) ([]store.Vote, error) {
			return []store.Vote{{ID: "v1", IdeaID: "idea-1", UserID: "someone"}}, nil
		},
	})
	items, err := svc.ListIdeas(context.Background(), "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if items[0].Votes != 1 || items[0].HasVoted {
		t.Fatalf("anonymous viewer should see counts but no hasVoted, got %+v", items[0])
	}
}

func TestListIdeasQueryNarrowsToSearchMatches(t *testing.T) {
	svc := newTestService(&fakeStore{
		listIdeasFn: func(context.Context) ([]store.Idea, error) {
			return []store.Idea{
				{ID: "idea-1", Title: "beach robots"},
				{ID: "idea-2", Title: "taco subscription"},
			}, nil
		},
	})
	svc.search = &fakeSearch{
		searchFn: func(_ context.Context, query string, _ int) ([]string, error) {
			if query != "beach" {
				t.Fatalf("expected trimmed query, got %q", query)
			}
			return []string{"idea-1"}, nil
		},
	}

	items, err := svc.ListIdeas(context.Background(), "", " beach ")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "idea-1" {
		t.Fatalf("expected only idea-1, got %+v", items)
	}
}

func TestHandleCallbackRejectsBadState(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.HandleCallback(context.Background(), "code-1", "forged-state")
	assertDomainCode(t, err, "VALIDATION_ERROR")
}

func TestLoginURLRequiresConfiguredProvider(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.LoginURL()
	assertDomainCode(t, err, "CONFIG_ERROR")
}
