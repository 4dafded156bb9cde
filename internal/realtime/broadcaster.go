package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/consensuslab/delphi-engine/internal/metrics"
	"github.com/consensuslab/delphi-engine/internal/models"
)

// Snapshot is one live aggregate update pushed to round subscribers.
// Decision is nil while the round is still collecting and set once on close.
type Snapshot struct {
	RoundID     string                   `json:"roundId"`
	Aggregates  []models.AggregateResult `json:"aggregates,omitempty"`
	Metrics     models.RoundMetrics      `json:"metrics"`
	Decision    *models.Decision         `json:"decision,omitempty"`
	PublishedAt time.Time                `json:"publishedAt"`
}

// Broadcaster fans live snapshots out to per-round subscribers. Subscriber
// channels hold a single pending snapshot; publishing a newer one displaces
// an unread predecessor, so a slow reader sees the latest state instead of a
// backlog and never blocks the publisher.
type Broadcaster struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Snapshot]struct{}
}

// NewBroadcaster constructs an empty hub.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger,
		subs:   make(map[string]map[chan Snapshot]struct{}),
	}
}

// Subscribe registers a listener for one round's snapshots. The returned
// cancel function must be called when the listener goes away.
func (b *Broadcaster) Subscribe(roundID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	b.mu.Lock()
	set, ok := b.subs[roundID]
	if !ok {
		set = make(map[chan Snapshot]struct{})
		b.subs[roundID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[roundID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, roundID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a snapshot to every subscriber of the round, displacing
// any unread predecessor.
func (b *Broadcaster) Publish(snapshot Snapshot) {
	if snapshot.PublishedAt.IsZero() {
		snapshot.PublishedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[snapshot.RoundID] {
		select {
		case ch <- snapshot:
			metrics.ObserveBroadcast()
			continue
		default:
		}
		// Channel full: drop the stale snapshot, then retry once. Another
		// publisher may have won the race, in which case theirs is newer
		// anyway and losing this send is fine.
		select {
		case <-ch:
			metrics.ObserveBroadcastDropped()
		default:
		}
		select {
		case ch <- snapshot:
			metrics.ObserveBroadcast()
		default:
		}
	}
}

// PublishDecision announces a round's closing decision to its subscribers.
func (b *Broadcaster) PublishDecision(roundID string, decision models.Decision) {
	d := decision
	b.Publish(Snapshot{RoundID: roundID, Decision: &d})
}

// SubscriberCount reports active listeners for a round.
func (b *Broadcaster) SubscriberCount(roundID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[roundID])
}
