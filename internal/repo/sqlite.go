package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/consensuslab/delphi-engine/internal/models"
	"github.com/consensuslab/delphi-engine/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS study (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    mode TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('draft', 'open', 'closed')),
    current_round INTEGER NOT NULL DEFAULT 0,
    stop_reason TEXT NOT NULL DEFAULT '',
    config_json TEXT NOT NULL,
    questions_json TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS round (
    id TEXT PRIMARY KEY,
    study_id TEXT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
    number INTEGER NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('collecting', 'aggregating', 'closed')),
    question_ids_json TEXT NOT NULL,
    low_quorum INTEGER NOT NULL DEFAULT 0,
    opened_at TEXT NOT NULL,
    closed_at TEXT,
    UNIQUE (study_id, number)
);

CREATE INDEX IF NOT EXISTS idx_round_study_id ON round(study_id);

CREATE TABLE IF NOT EXISTS response (
    round_id TEXT NOT NULL REFERENCES round(id) ON DELETE CASCADE,
    question_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    submitted_at TEXT NOT NULL,
    PRIMARY KEY (round_id, question_id, participant_id)
);

CREATE INDEX IF NOT EXISTS idx_response_round_question ON response(round_id, question_id);

CREATE TABLE IF NOT EXISTS aggregate (
    round_id TEXT NOT NULL REFERENCES round(id) ON DELETE CASCADE,
    question_id TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    PRIMARY KEY (round_id, question_id)
);

CREATE TABLE IF NOT EXISTS round_metrics (
    round_id TEXT PRIMARY KEY REFERENCES round(id) ON DELETE CASCADE,
    payload_json TEXT NOT NULL
);
`

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, utils.NewAppError("repo.open", "open sqlite database", err)
	}
	// modernc.org/sqlite serialises writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent submissions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, utils.NewAppError("repo.open", "create schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateStudy persists a new study.
func (s *SQLiteStore) CreateStudy(ctx context.Context, study *models.Study) error {
	configJSON, err := json.Marshal(study.Config)
	if err != nil {
		return utils.NewAppError("repo.createStudy", "encode config", err)
	}
	questionsJSON, err := json.Marshal(study.Questions)
	if err != nil {
		return utils.NewAppError("repo.createStudy", "encode questions", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO study (id, title, mode, status, current_round, stop_reason, config_json, questions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		study.ID, study.Title, string(study.Mode), string(study.Status), study.CurrentRound,
		string(study.StopReason), string(configJSON), string(questionsJSON), study.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return utils.NewAppError("repo.createStudy", "insert study", err)
	}
	return nil
}

// GetStudy loads one study by id.
func (s *SQLiteStore) GetStudy(ctx context.Context, id string) (*models.Study, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, mode, status, current_round, stop_reason, config_json, questions_json, created_at
		FROM study WHERE id = ?`, id)
	study, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrStudyNotFound
	}
	return study, err
}

// ListStudies returns all studies ordered by creation time, newest first.
func (s *SQLiteStore) ListStudies(ctx context.Context) ([]*models.Study, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, mode, status, current_round, stop_reason, config_json, questions_json, created_at
		FROM study ORDER BY created_at DESC`)
	if err != nil {
		return nil, utils.NewAppError("repo.listStudies", "query studies", err)
	}
	defer rows.Close()

	var studies []*models.Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		studies = append(studies, study)
	}
	return studies, rows.Err()
}

// UpdateStudy rewrites a study's mutable fields.
func (s *SQLiteStore) UpdateStudy(ctx context.Context, study *models.Study) error {
	configJSON, err := json.Marshal(study.Config)
	if err != nil {
		return utils.NewAppError("repo.updateStudy", "encode config", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE study SET status = ?, current_round = ?, stop_reason = ?, config_json = ? WHERE id = ?`,
		string(study.Status), study.CurrentRound, string(study.StopReason), string(configJSON), study.ID)
	if err != nil {
		return utils.NewAppError("repo.updateStudy", "update study", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStudyNotFound
	}
	return nil
}

// CreateRound persists a new round. The UNIQUE(study_id, number) constraint
// keeps sequence numbers gapless and collision-free.
func (s *SQLiteStore) CreateRound(ctx context.Context, round *models.Round) error {
	idsJSON, err := json.Marshal(round.QuestionIDs)
	if err != nil {
		return utils.NewAppError("repo.createRound", "encode question ids", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO round (id, study_id, number, status, question_ids_json, low_quorum, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		round.ID, round.StudyID, round.Number, string(round.Status), string(idsJSON),
		boolToInt(round.LowQuorum), round.OpenedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return utils.NewAppError("repo.createRound", "insert round", err)
	}
	return nil
}

// GetRound loads one round by id.
func (s *SQLiteStore) GetRound(ctx context.Context, id string) (*models.Round, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, study_id, number, status, question_ids_json, low_quorum, opened_at, closed_at
		FROM round WHERE id = ?`, id)
	round, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRoundNotFound
	}
	return round, err
}

// ListRounds returns a study's rounds in sequence order.
func (s *SQLiteStore) ListRounds(ctx context.Context, studyID string) ([]*models.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, study_id, number, status, question_ids_json, low_quorum, opened_at, closed_at
		FROM round WHERE study_id = ? ORDER BY number ASC`, studyID)
	if err != nil {
		return nil, utils.NewAppError("repo.listRounds", "query rounds", err)
	}
	defer rows.Close()

	var rounds []*models.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}

// UpdateRound rewrites a round's mutable fields. The question subset is
// immutable after open and deliberately not part of the update.
func (s *SQLiteStore) UpdateRound(ctx context.Context, round *models.Round) error {
	var closedAt any
	if !round.ClosedAt.IsZero() {
		closedAt = round.ClosedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE round SET status = ?, low_quorum = ?, closed_at = ? WHERE id = ?`,
		string(round.Status), boolToInt(round.LowQuorum), closedAt, round.ID)
	if err != nil {
		return utils.NewAppError("repo.updateRound", "update round", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRoundNotFound
	}
	return nil
}

// InsertResponse performs the atomic conditional insert: the row lands only
// if the round is still collecting, and INSERT OR IGNORE leaves the first
// submission authoritative on key conflicts.
func (s *SQLiteStore) InsertResponse(ctx context.Context, response models.Response) error {
	payloadJSON, err := json.Marshal(response.Payload)
	if err != nil {
		return utils.NewAppError("repo.insertResponse", "encode payload", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO response (round_id, question_id, participant_id, payload_json, submitted_at)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT status FROM round WHERE id = ?) = 'collecting'`,
		response.RoundID, response.QuestionID, response.ParticipantID,
		string(payloadJSON), response.SubmittedAt.UTC().Format(time.RFC3339Nano),
		response.RoundID)
	if err != nil {
		return utils.NewAppError("repo.insertResponse", "insert response", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Nothing landed: disambiguate between a missing round, a round past
	// collecting, and a duplicate key.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM round WHERE id = ?`, response.RoundID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.ErrRoundNotFound
	case err != nil:
		return utils.NewAppError("repo.insertResponse", "check round state", err)
	case status != string(models.RoundCollecting):
		return fmt.Errorf("%w (current state: %s)", models.ErrRoundClosed, status)
	default:
		return models.ErrDuplicateResponse
	}
}

// ListResponses returns the response snapshot for aggregation.
func (s *SQLiteStore) ListResponses(ctx context.Context, roundID, questionID string) ([]models.Response, error) {
	query := `
		SELECT round_id, question_id, participant_id, payload_json, submitted_at
		FROM response WHERE round_id = ?`
	args := []any{roundID}
	if questionID != "" {
		query += ` AND question_id = ?`
		args = append(args, questionID)
	}
	query += ` ORDER BY submitted_at ASC`
	return s.queryResponses(ctx, query, args...)
}

// ListParticipantResponses returns one participant's answers in a round,
// used to show their own prior positions in feedback packages.
func (s *SQLiteStore) ListParticipantResponses(ctx context.Context, roundID, participantID string) ([]models.Response, error) {
	return s.queryResponses(ctx, `
		SELECT round_id, question_id, participant_id, payload_json, submitted_at
		FROM response WHERE round_id = ? AND participant_id = ?
		ORDER BY submitted_at ASC`, roundID, participantID)
}

// CountResponses returns the number of stored responses for a round.
func (s *SQLiteStore) CountResponses(ctx context.Context, roundID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response WHERE round_id = ?`, roundID).Scan(&count)
	if err != nil {
		return 0, utils.NewAppError("repo.countResponses", "count responses", err)
	}
	return count, nil
}

// SaveAggregates replaces the round's aggregates and metrics in one
// transaction. Re-running a retried aggregation pass is therefore safe.
func (s *SQLiteStore) SaveAggregates(ctx context.Context, roundID string, aggregates []models.AggregateResult, metrics models.RoundMetrics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError("repo.saveAggregates", "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM aggregate WHERE round_id = ?`, roundID); err != nil {
		return utils.NewAppError("repo.saveAggregates", "clear aggregates", err)
	}
	for _, agg := range aggregates {
		payloadJSON, err := json.Marshal(agg)
		if err != nil {
			return utils.NewAppError("repo.saveAggregates", "encode aggregate", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aggregate (round_id, question_id, payload_json) VALUES (?, ?, ?)`,
			roundID, agg.QuestionID, string(payloadJSON)); err != nil {
			return utils.NewAppError("repo.saveAggregates", "insert aggregate", err)
		}
	}

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return utils.NewAppError("repo.saveAggregates", "encode metrics", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO round_metrics (round_id, payload_json) VALUES (?, ?)
		ON CONFLICT(round_id) DO UPDATE SET payload_json = excluded.payload_json`,
		roundID, string(metricsJSON)); err != nil {
		return utils.NewAppError("repo.saveAggregates", "upsert metrics", err)
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError("repo.saveAggregates", "commit", err)
	}
	return nil
}

// GetAggregates loads a round's stored aggregates and metrics.
func (s *SQLiteStore) GetAggregates(ctx context.Context, roundID string) ([]models.AggregateResult, models.RoundMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM aggregate WHERE round_id = ?`, roundID)
	if err != nil {
		return nil, models.RoundMetrics{}, utils.NewAppError("repo.getAggregates", "query aggregates", err)
	}
	defer rows.Close()

	var aggregates []models.AggregateResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, models.RoundMetrics{}, utils.NewAppError("repo.getAggregates", "scan aggregate", err)
		}
		var agg models.AggregateResult
		if err := json.Unmarshal([]byte(payload), &agg); err != nil {
			return nil, models.RoundMetrics{}, utils.NewAppError("repo.getAggregates", "decode aggregate", err)
		}
		aggregates = append(aggregates, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, models.RoundMetrics{}, utils.NewAppError("repo.getAggregates", "iterate aggregates", err)
	}

	var metrics models.RoundMetrics
	var metricsJSON string
	err = s.db.QueryRowContext(ctx, `SELECT payload_json FROM round_metrics WHERE round_id = ?`, roundID).Scan(&metricsJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Round closed before any metrics pass recorded; aggregates alone.
	case err != nil:
		return nil, models.RoundMetrics{}, utils.NewAppError("repo.getAggregates", "query metrics", err)
	default:
		if err := json.Unmarshal([]byte(metricsJSON), &metrics); err != nil {
			return nil, models.RoundMetrics{}, utils.NewAppError("repo.getAggregates", "decode metrics", err)
		}
	}

	return aggregates, metrics, nil
}

func (s *SQLiteStore) queryResponses(ctx context.Context, query string, args ...any) ([]models.Response, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError("repo.listResponses", "query responses", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		var payloadJSON, submittedAt string
		if err := rows.Scan(&r.RoundID, &r.QuestionID, &r.ParticipantID, &payloadJSON, &submittedAt); err != nil {
			return nil, utils.NewAppError("repo.listResponses", "scan response", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
			return nil, utils.NewAppError("repo.listResponses", "decode payload", err)
		}
		if r.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
			return nil, utils.NewAppError("repo.listResponses", "parse timestamp", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudy(row rowScanner) (*models.Study, error) {
	var study models.Study
	var mode, status, stopReason, configJSON, questionsJSON, createdAt string
	if err := row.Scan(&study.ID, &study.Title, &mode, &status, &study.CurrentRound,
		&stopReason, &configJSON, &questionsJSON, &createdAt); err != nil {
		return nil, err
	}
	study.Mode = models.Mode(mode)
	study.Status = models.StudyStatus(status)
	study.StopReason = models.StopReason(stopReason)
	if err := json.Unmarshal([]byte(configJSON), &study.Config); err != nil {
		return nil, utils.NewAppError("repo.scanStudy", "decode config", err)
	}
	if err := json.Unmarshal([]byte(questionsJSON), &study.Questions); err != nil {
		return nil, utils.NewAppError("repo.scanStudy", "decode questions", err)
	}
	var err error
	if study.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, utils.NewAppError("repo.scanStudy", "parse created_at", err)
	}
	return &study, nil
}

func scanRound(row rowScanner) (*models.Round, error) {
	var round models.Round
	var status, idsJSON, openedAt string
	var closedAt sql.NullString
	var lowQuorum int
	if err := row.Scan(&round.ID, &round.StudyID, &round.Number, &status, &idsJSON,
		&lowQuorum, &openedAt, &closedAt); err != nil {
		return nil, err
	}
	round.Status = models.RoundStatus(status)
	round.LowQuorum = lowQuorum != 0
	if err := json.Unmarshal([]byte(idsJSON), &round.QuestionIDs); err != nil {
		return nil, utils.NewAppError("repo.scanRound", "decode question ids", err)
	}
	var err error
	if round.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
		return nil, utils.NewAppError("repo.scanRound", "parse opened_at", err)
	}
	if closedAt.Valid {
		if round.ClosedAt, err = time.Parse(time.RFC3339Nano, closedAt.String); err != nil {
			return nil, utils.NewAppError("repo.scanRound", "parse closed_at", err)
		}
	}
	return &round, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
