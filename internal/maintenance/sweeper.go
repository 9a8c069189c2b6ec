// Package maintenance ends generations that died without settling:
// crashed sessions leave in-progress messages and held reservations
// behind, and the sweeper cleans both up on a schedule.
package maintenance

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skeedo-sys/platform/internal/chat"
	"github.com/skeedo-sys/platform/internal/credit"
)

// DefaultStaleAfter is how long a generation may stay in progress before
// the sweeper ends it.
const DefaultStaleAfter = 15 * time.Minute

type entry struct {
	tree        *chat.Tree
	messageID   string
	workspaceID string
	reserved    float64
	started     time.Time
}

// Sweeper tracks running generations and periodically force-ends the
// ones that outlived the staleness window, releasing their held credit.
type Sweeper struct {
	ledger     credit.Ledger
	staleAfter time.Duration

	mu      sync.Mutex
	entries map[string]entry

	cron *cron.Cron
}

// NewSweeper creates a sweeper over the given ledger.
func NewSweeper(ledger credit.Ledger, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{
		ledger:     ledger,
		staleAfter: staleAfter,
		entries:    make(map[string]entry),
	}
}

// Track registers a started generation. reserved is the held estimate,
// zero for unbilled (custom key) generations.
func (s *Sweeper) Track(tree *chat.Tree, messageID, workspaceID string, reserved float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[messageID] = entry{
		tree:        tree,
		messageID:   messageID,
		workspaceID: workspaceID,
		reserved:    reserved,
		started:     time.Now(),
	}
}

// Done unregisters a generation that settled or failed on its own.
func (s *Sweeper) Done(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, messageID)
}

// Tracked returns the number of generations currently tracked.
func (s *Sweeper) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep ends every tracked generation older than the staleness window
// and returns how many were ended.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.staleAfter)

	s.mu.Lock()
	var stale []entry
	for id, e := range s.entries {
		if e.started.Before(cutoff) {
			stale = append(stale, e)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		if err := e.tree.Terminate(e.messageID); err != nil {
			log.Printf("maintenance: terminating stale message %s: %v", e.messageID, err)
		}
		if e.reserved > 0 {
			if err := s.ledger.Release(ctx, e.workspaceID, e.reserved); err != nil {
				log.Printf("maintenance: releasing %f credits for %s: %v", e.reserved, e.workspaceID, err)
			}
		}
		log.Printf("maintenance: ended stale generation %s (started %s)", e.messageID, e.started.Format(time.RFC3339))
	}

	return len(stale)
}

// Start schedules sweeps with a cron expression (e.g. "@every 5m").
func (s *Sweeper) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduled sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
