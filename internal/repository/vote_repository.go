package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/alert-relay/internal/db"
	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

type VoteRepositoryInterface interface {
	// Register records a delivered message so it can take votes. Registering
	// the same message twice keeps the first registration.
	Register(ctx context.Context, reg model.ItemRegistration) error
	GetRegistration(ctx context.Context, ref model.ItemRef) (*model.ItemRegistration, error)
	// CastVote upserts one voter's choice and recounts the tally in a single
	// transaction. Repeating the current choice returns Changed == false.
	CastVote(ctx context.Context, ref model.ItemRef, voterID int64, choice model.VoteChoice) (model.VoteResult, error)
}

type VoteRepository struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewVoteRepository(conn *sql.DB) *VoteRepository {
	return &VoteRepository{DB: conn, Now: time.Now}
}

func (r *VoteRepository) Register(ctx context.Context, reg model.ItemRegistration) error {
	query := `
		INSERT INTO token_votes (chat_id, message_id, token_address, chart_url, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id, message_id) DO NOTHING
	`
	_, err := r.DB.ExecContext(ctx, query,
		reg.Ref.ChatID, reg.Ref.MessageID, reg.TokenAddress, reg.ChartURL, r.Now().Unix())
	return appErrors.NewPersistence("register item", err)
}

func (r *VoteRepository) GetRegistration(ctx context.Context, ref model.ItemRef) (*model.ItemRegistration, error) {
	query := `
		SELECT token_address, chart_url
		FROM token_votes
		WHERE chat_id = $1 AND message_id = $2
	`
	reg := model.ItemRegistration{Ref: ref}
	err := r.DB.QueryRowContext(ctx, query, ref.ChatID, ref.MessageID).Scan(&reg.TokenAddress, &reg.ChartURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewItemNotRegistered(ref.ChatID, ref.MessageID)
	}
	if err != nil {
		return nil, appErrors.NewPersistence("get registration", err)
	}
	return &reg, nil
}

func (r *VoteRepository) CastVote(ctx context.Context, ref model.ItemRef, voterID int64, choice model.VoteChoice) (model.VoteResult, error) {
	var result model.VoteResult
	err := db.WithTx(ctx, r.DB, func(ctx context.Context, tx db.DBTX) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM token_votes WHERE chat_id = $1 AND message_id = $2`,
			ref.ChatID, ref.MessageID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.NewItemNotRegistered(ref.ChatID, ref.MessageID)
		}
		if err != nil {
			return err
		}

		var current string
		err = tx.QueryRowContext(ctx,
			`SELECT vote FROM user_votes WHERE chat_id = $1 AND message_id = $2 AND user_id = $3`,
			ref.ChatID, ref.MessageID, voterID).Scan(&current)
		switch {
		case err == nil && model.VoteChoice(current) == choice:
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_votes (chat_id, message_id, user_id, vote, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chat_id, message_id, user_id)
			DO UPDATE SET vote = excluded.vote, updated_at = excluded.updated_at
		`, ref.ChatID, ref.MessageID, voterID, string(choice), r.Now().Unix())
		if err != nil {
			return err
		}

		tally, err := countVotes(ctx, tx, ref)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE token_votes SET green_votes = $1, red_votes = $2 WHERE chat_id = $3 AND message_id = $4`,
			tally.Green, tally.Red, ref.ChatID, ref.MessageID)
		if err != nil {
			return err
		}

		result = model.VoteResult{Changed: true, Tally: tally}
		return nil
	})
	if err != nil {
		var notRegistered *appErrors.ItemNotRegisteredError
		if errors.As(err, &notRegistered) {
			return model.VoteResult{}, err
		}
		return model.VoteResult{}, appErrors.NewPersistence("cast vote", err)
	}
	return result, nil
}

// countVotes recomputes both tallies from the vote rows.
func countVotes(ctx context.Context, q db.DBTX, ref model.ItemRef) (model.Tally, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN vote = 'green' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN vote = 'red' THEN 1 ELSE 0 END), 0)
		FROM user_votes
		WHERE chat_id = $1 AND message_id = $2
	`
	var t model.Tally
	err := q.QueryRowContext(ctx, query, ref.ChatID, ref.MessageID).Scan(&t.Green, &t.Red)
	return t, err
}

var _ VoteRepositoryInterface = (*VoteRepository)(nil)
