package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// MemoryStore is the in-process Store used by tests and store-less dev
// runs. Response writes go through a per-round shard whose lock is held
// only for the conditional map insert, giving the same atomic
// first-submission-wins semantics as the SQLite implementation without a
// lock spanning whole-round operations.
type MemoryStore struct {
	mu         sync.RWMutex
	studies    map[string]models.Study
	rounds     map[string]models.Round
	shards     map[string]*responseShard
	aggregates map[string][]models.AggregateResult
	metrics    map[string]models.RoundMetrics
}

type responseShard struct {
	mu        sync.Mutex
	status    models.RoundStatus
	responses map[responseKey]models.Response
}

type responseKey struct {
	questionID    string
	participantID string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		studies:    make(map[string]models.Study),
		rounds:     make(map[string]models.Round),
		shards:     make(map[string]*responseShard),
		aggregates: make(map[string][]models.AggregateResult),
		metrics:    make(map[string]models.RoundMetrics),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// CreateStudy stores a copy of the study.
func (s *MemoryStore) CreateStudy(_ context.Context, study *models.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.studies[study.ID]; exists {
		return fmt.Errorf("study %s already exists", study.ID)
	}
	s.studies[study.ID] = cloneStudy(study)
	return nil
}

// GetStudy returns a copy of the stored study.
func (s *MemoryStore) GetStudy(_ context.Context, id string) (*models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	study, ok := s.studies[id]
	if !ok {
		return nil, models.ErrStudyNotFound
	}
	copied := cloneStudy(&study)
	return &copied, nil
}

// ListStudies returns all studies, newest first.
func (s *MemoryStore) ListStudies(_ context.Context) ([]*models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	studies := make([]*models.Study, 0, len(s.studies))
	for id := range s.studies {
		study := cloneStudy(ptr(s.studies[id]))
		studies = append(studies, &study)
	}
	sort.Slice(studies, func(i, j int) bool {
		return studies[i].CreatedAt.After(studies[j].CreatedAt)
	})
	return studies, nil
}

// UpdateStudy replaces the stored study.
func (s *MemoryStore) UpdateStudy(_ context.Context, study *models.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[study.ID]; !ok {
		return models.ErrStudyNotFound
	}
	s.studies[study.ID] = cloneStudy(study)
	return nil
}

// CreateRound stores the round and allocates its response shard.
func (s *MemoryStore) CreateRound(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rounds[round.ID]; exists {
		return fmt.Errorf("round %s already exists", round.ID)
	}
	for _, existing := range s.rounds {
		if existing.StudyID == round.StudyID && existing.Number == round.Number {
			return fmt.Errorf("round %d already exists for study %s", round.Number, round.StudyID)
		}
	}
	s.rounds[round.ID] = cloneRound(round)
	s.shards[round.ID] = &responseShard{
		status:    round.Status,
		responses: make(map[responseKey]models.Response),
	}
	return nil
}

// GetRound returns a copy of the stored round.
func (s *MemoryStore) GetRound(_ context.Context, id string) (*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	round, ok := s.rounds[id]
	if !ok {
		return nil, models.ErrRoundNotFound
	}
	copied := cloneRound(&round)
	return &copied, nil
}

// ListRounds returns a study's rounds in sequence order.
func (s *MemoryStore) ListRounds(_ context.Context, studyID string) ([]*models.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rounds []*models.Round
	for id := range s.rounds {
		if s.rounds[id].StudyID != studyID {
			continue
		}
		round := cloneRound(ptr(s.rounds[id]))
		rounds = append(rounds, &round)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Number < rounds[j].Number })
	return rounds, nil
}

// UpdateRound replaces the stored round and mirrors the new status onto the
// response shard so in-flight submissions observe it atomically.
func (s *MemoryStore) UpdateRound(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[round.ID]; !ok {
		return models.ErrRoundNotFound
	}
	s.rounds[round.ID] = cloneRound(round)
	if shard, ok := s.shards[round.ID]; ok {
		shard.mu.Lock()
		shard.status = round.Status
		shard.mu.Unlock()
	}
	return nil
}

// InsertResponse performs the conditional insert under the round shard's
// lock: round must still be collecting and the key must be unused.
func (s *MemoryStore) InsertResponse(_ context.Context, response models.Response) error {
	s.mu.RLock()
	shard, ok := s.shards[response.RoundID]
	s.mu.RUnlock()
	if !ok {
		return models.ErrRoundNotFound
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.status != models.RoundCollecting {
		return fmt.Errorf("%w (current state: %s)", models.ErrRoundClosed, shard.status)
	}
	key := responseKey{questionID: response.QuestionID, participantID: response.ParticipantID}
	if _, exists := shard.responses[key]; exists {
		return models.ErrDuplicateResponse
	}
	shard.responses[key] = response
	return nil
}

// ListResponses returns a snapshot of the round's responses, optionally
// filtered to one question.
func (s *MemoryStore) ListResponses(_ context.Context, roundID, questionID string) ([]models.Response, error) {
	shard, err := s.shard(roundID)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	var responses []models.Response
	for _, r := range shard.responses {
		if questionID == "" || r.QuestionID == questionID {
			responses = append(responses, r)
		}
	}
	sortResponses(responses)
	return responses, nil
}

// ListParticipantResponses returns one participant's answers in a round.
func (s *MemoryStore) ListParticipantResponses(_ context.Context, roundID, participantID string) ([]models.Response, error) {
	shard, err := s.shard(roundID)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	var responses []models.Response
	for _, r := range shard.responses {
		if r.ParticipantID == participantID {
			responses = append(responses, r)
		}
	}
	sortResponses(responses)
	return responses, nil
}

// CountResponses returns the number of stored responses for a round.
func (s *MemoryStore) CountResponses(_ context.Context, roundID string) (int, error) {
	shard, err := s.shard(roundID)
	if err != nil {
		return 0, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.responses), nil
}

// SaveAggregates stores a round's aggregates and metrics.
func (s *MemoryStore) SaveAggregates(_ context.Context, roundID string, aggregates []models.AggregateResult, metrics models.RoundMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[roundID]; !ok {
		return models.ErrRoundNotFound
	}
	s.aggregates[roundID] = append([]models.AggregateResult(nil), aggregates...)
	s.metrics[roundID] = metrics
	return nil
}

// GetAggregates loads a round's stored aggregates and metrics.
func (s *MemoryStore) GetAggregates(_ context.Context, roundID string) ([]models.AggregateResult, models.RoundMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rounds[roundID]; !ok {
		return nil, models.RoundMetrics{}, models.ErrRoundNotFound
	}
	aggs := append([]models.AggregateResult(nil), s.aggregates[roundID]...)
	return aggs, s.metrics[roundID], nil
}

func (s *MemoryStore) shard(roundID string) (*responseShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shard, ok := s.shards[roundID]
	if !ok {
		return nil, models.ErrRoundNotFound
	}
	return shard, nil
}

func sortResponses(responses []models.Response) {
	sort.Slice(responses, func(i, j int) bool {
		if responses[i].SubmittedAt.Equal(responses[j].SubmittedAt) {
			return responses[i].ParticipantID < responses[j].ParticipantID
		}
		return responses[i].SubmittedAt.Before(responses[j].SubmittedAt)
	})
}

func cloneStudy(study *models.Study) models.Study {
	copied := *study
	copied.Questions = append([]models.Question(nil), study.Questions...)
	return copied
}

func cloneRound(round *models.Round) models.Round {
	copied := *round
	copied.QuestionIDs = append([]string(nil), round.QuestionIDs...)
	return copied
}

func ptr[T any](v T) *T { return &v }
