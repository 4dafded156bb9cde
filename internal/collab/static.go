package collab

import (
	"context"

	"github.com/consensuslab/delphi-engine/internal/models"
)

// StaticRoster serves a fixed participant list per study. Used when no
// collaboration platform is configured and in tests.
type StaticRoster struct {
	participants map[string][]string
}

// NewStaticRoster builds a roster from a studyID to participant-ID map.
func NewStaticRoster(participants map[string][]string) *StaticRoster {
	if participants == nil {
		participants = make(map[string][]string)
	}
	return &StaticRoster{participants: participants}
}

// InvitedParticipants returns the fixed list for a study; unknown studies
// get an empty roster, which disables quorum checks.
func (r *StaticRoster) InvitedParticipants(_ context.Context, studyID string) ([]string, error) {
	return append([]string(nil), r.participants[studyID]...), nil
}

// NoopNotifier drops lifecycle notifications. Used when no collaboration
// platform is configured.
type NoopNotifier struct{}

func (NoopNotifier) RoundAdvanced(context.Context, *models.Study, *models.Round) error { return nil }
func (NoopNotifier) StudyFinalized(context.Context, *models.Study) error               { return nil }
