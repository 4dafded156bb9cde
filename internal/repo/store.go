package repo

import (
	"context"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// Store persists studies, rounds, responses, and round aggregates. The
// response write path carries the core invariants: a submission is accepted
// only while its round is collecting, and the first submission for a
// (round, question, participant) key is authoritative; later ones fail with
// models.ErrDuplicateResponse rather than overwriting.
type Store interface {
	CreateStudy(ctx context.Context, study *models.Study) error
	GetStudy(ctx context.Context, id string) (*models.Study, error)
	ListStudies(ctx context.Context) ([]*models.Study, error)
	UpdateStudy(ctx context.Context, study *models.Study) error

	CreateRound(ctx context.Context, round *models.Round) error
	GetRound(ctx context.Context, id string) (*models.Round, error)
	ListRounds(ctx context.Context, studyID string) ([]*models.Round, error)
	UpdateRound(ctx context.Context, round *models.Round) error

	// InsertResponse is the atomic conditional insert guarding both the
	// round-state and uniqueness invariants.
	InsertResponse(ctx context.Context, response models.Response) error
	// ListResponses returns the responses for one question of a round, or
	// for the whole round when questionID is empty.
	ListResponses(ctx context.Context, roundID, questionID string) ([]models.Response, error)
	ListParticipantResponses(ctx context.Context, roundID, participantID string) ([]models.Response, error)
	CountResponses(ctx context.Context, roundID string) (int, error)

	SaveAggregates(ctx context.Context, roundID string, aggregates []models.AggregateResult, metrics models.RoundMetrics) error
	GetAggregates(ctx context.Context, roundID string) ([]models.AggregateResult, models.RoundMetrics, error)

	Close() error
}
