package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateVote reports a unique-constraint violation on (idea_id, user_id).
// The constraint is the source of truth for one-vote-per-user; callers treat
// this as "already voted".
var ErrDuplicateVote = errors.New("duplicate vote")

// ErrAlreadyDeveloped reports that the conditional finalize update matched no
// row because the idea was developed already.
var ErrAlreadyDeveloped = errors.New("idea already developed")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUserBySubject maps an identity-provider subject claim to a local user
// row, creating it on first sign-in and refreshing profile fields after.
func (s *PostgresStore) EnsureUserBySubject(ctx context.Context, subject, name, email, picture string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, subject, name, email, picture)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject) DO UPDATE SET name=EXCLUDED.name, email=EXCLUDED.email, picture=EXCLUDED.picture
		RETURNING id, subject, name, email, picture, created_at
	`, uuid.NewString(), subject, name, email, picture).Scan(
		&user.ID, &user.Subject, &user.Name, &user.Email, &user.Picture, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, name, email, picture, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Subject, &user.Name, &user.Email, &user.Picture, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertIdea(ctx context.Context, title, region string, createdBy *string) (Idea, error) {
	var idea Idea
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ideas (id, title, region, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, title, developed, region, created_by, created_at
	`, uuid.NewString(), title, region, createdBy).Scan(
		&idea.ID, &idea.Title, &idea.Developed, &idea.Region, &idea.CreatedBy, &idea.CreatedAt)
	if err != nil {
		return Idea{}, fmt.Errorf("insert idea: %w", err)
	}
	return idea, nil
}

func (s *PostgresStore) GetIdea(ctx context.Context, ideaID string) (Idea, error) {
	var idea Idea
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, developed, developed_title, problem, solution, mvp,
			hours_estimate, region, created_by, created_at, developed_at
		FROM ideas
		WHERE id=$1
	`, ideaID).Scan(
		&idea.ID, &idea.Title, &idea.Developed, &idea.DevelopedTitle, &idea.Problem,
		&idea.Solution, &idea.MVP, &idea.HoursEstimate, &idea.Region, &idea.CreatedBy,
		&idea.CreatedAt, &idea.DevelopedAt)
	if err != nil {
		return Idea{}, err
	}
	return idea, nil
}

func (s *PostgresStore) ListIdeas(ctx context.Context) ([]Idea, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, developed, developed_title, problem, solution, mvp,
			hours_estimate, region, created_by, created_at, developed_at
		FROM ideas
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list ideas: %w", err)
	}
	defer rows.Close()

	items := make([]Idea, 0)
	for rows.Next() {
		var idea Idea
		if err := rows.Scan(
			&idea.ID, &idea.Title, &idea.Developed, &idea.DevelopedTitle, &idea.Problem,
			&idea.Solution, &idea.MVP, &idea.HoursEstimate, &idea.Region, &idea.CreatedBy,
			&idea.CreatedAt, &idea.DevelopedAt); err != nil {
			return nil, fmt.Errorf("scan idea: %w", err)
		}
		items = append(items, idea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ideas: %w", err)
	}
	return items, nil
}

// FinalizeIdea performs the one-shot develop transition. The WHERE clause on
// developed=FALSE is the guarantee; a concurrent finalize that loses the race
// gets ErrAlreadyDeveloped.
func (s *PostgresStore) FinalizeIdea(ctx context.Context, ideaID string, fields DevelopedFields) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ideas
		SET developed=TRUE, developed_title=$2, problem=$3, solution=$4, mvp=$5,
			hours_estimate=$6, developed_at=NOW()
		WHERE id=$1 AND developed=FALSE
	`, ideaID, fields.DevelopedTitle, fields.Problem, fields.Solution, fields.MVP, fields.HoursEstimate)
	if err != nil {
		return fmt.Errorf("finalize idea: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize idea rows: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyDeveloped
	}
	return nil
}

func (s *PostgresStore) ListVotes(ctx context.Context) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, idea_id, user_id, created_at FROM votes`)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		var vote Vote
		if err := rows.Scan(&vote.ID, &vote.IdeaID, &vote.UserID, &vote.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) FindVote(ctx context.Context, ideaID, userID string) (*Vote, error) {
	var vote Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, idea_id, user_id, created_at FROM votes WHERE idea_id=$1 AND user_id=$2
	`, ideaID, userID).Scan(&vote.ID, &vote.IdeaID, &vote.UserID, &vote.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find vote: %w", err)
	}
	return &vote, nil
}

func (s *PostgresStore) InsertVote(ctx context.Context, ideaID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (id, idea_id, user_id) VALUES ($1, $2, $3)
	`, uuid.NewString(), ideaID, userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateVote
		}
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVote(ctx context.Context, voteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM votes WHERE id=$1`, voteID)
	if err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.subject, u.name, u.email, u.picture, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.Subject, &user.Name, &user.Email, &user.Picture, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// SearchIdeaIDs is the Postgres fallback for idea search when Meilisearch is
// not configured. Case-insensitive substring match across the pitch fields.
func (s *PostgresStore) SearchIdeaIDs(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ideas
		WHERE title ILIKE '%' || $1 || '%'
			OR developed_title ILIKE '%' || $1 || '%'
			OR problem ILIKE '%' || $1 || '%'
			OR solution ILIKE '%' || $1 || '%'
			OR mvp ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search ideas: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idea id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idea ids: %w", err)
	}
	return ids, nil
}
