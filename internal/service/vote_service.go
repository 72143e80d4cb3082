package service

import (
	"context"
	"errors"
	"log/slog"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/metrics"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/repository"
)

// VoteService fronts the vote ledger for the sender and the callback handler.
type VoteService struct {
	Repo    repository.VoteRepositoryInterface
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func NewVoteService(repo repository.VoteRepositoryInterface, log *slog.Logger, m *metrics.Metrics) *VoteService {
	return &VoteService{Repo: repo, Log: log.With("component", "votes"), Metrics: m}
}

// Register makes a delivered message votable.
func (s *VoteService) Register(ctx context.Context, reg model.ItemRegistration) error {
	return s.Repo.Register(ctx, reg)
}

func (s *VoteService) GetRegistration(ctx context.Context, ref model.ItemRef) (*model.ItemRegistration, error) {
	return s.Repo.GetRegistration(ctx, ref)
}

// CastVote records voterID's choice on ref. A repeated identical choice
// returns Changed == false and leaves the tally untouched.
func (s *VoteService) CastVote(ctx context.Context, ref model.ItemRef, voterID int64, choice model.VoteChoice) (model.VoteResult, error) {
	res, err := s.Repo.CastVote(ctx, ref, voterID, choice)
	result := "changed"
	switch {
	case err != nil:
		result = "error"
		var notRegistered *appErrors.ItemNotRegisteredError
		if errors.As(err, &notRegistered) {
			result = "unregistered"
		}
		s.Log.Error("vote failed", "chat_id", ref.ChatID, "message_id", ref.MessageID, "voter", voterID, "error", err)
	case !res.Changed:
		result = "unchanged"
	default:
		s.Log.Info("vote recorded", "chat_id", ref.ChatID, "message_id", ref.MessageID,
			"choice", choice, "green", res.Tally.Green, "red", res.Tally.Red)
	}
	if s.Metrics != nil {
		s.Metrics.Votes.WithLabelValues(string(choice), result).Inc()
	}
	return res, err
}
