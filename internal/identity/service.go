// Package identity implements the Identity Service: a periodically
// refreshed, lock-free-read cache from user-id to name/expert-domain
// information, using an atomic snapshot swap so readers never block
// on a refresh.
package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/router/internal/common/logger"
)

// Record is one user's identity fragment (spec §3.5).
type Record struct {
	UserID        string   `json:"user_id"`
	Name          string   `json:"name"`
	IsExpert      bool     `json:"is_expert"`
	ExpertDomains []string `json:"expert_domains,omitempty"`
}

// Unknown is substituted when lookup fails entirely, per §4.4 step 1.
func Unknown(userID string) Record {
	return Record{UserID: userID, Name: userID, IsExpert: false}
}

// Source reads the full identity table from an external system (an HRIS,
// an LDAP directory, a config file — whatever run mode configures).
type Source interface {
	LoadAll(ctx context.Context) (map[string]Record, error)
}

type snapshot struct {
	data      map[string]Record
	loadedAt  time.Time
}

// Service maintains a bounded-refresh-interval snapshot of the identity
// table. Reads are lock-free against the current snapshot; refresh
// publishes a new snapshot atomically via atomic.Value.
type Service struct {
	source          Source
	refreshInterval time.Duration
	failureGrace    time.Duration
	log             *logger.Logger

	current atomic.Value // snapshot

	mu           sync.Mutex // serialises concurrent refresh attempts only
	lastAttempt  time.Time
	lastSuccess  time.Time
}

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultFailureGrace    = 1 * time.Minute
)

// New constructs a Service and performs a best-effort initial load.
func New(ctx context.Context, source Source, refreshInterval time.Duration, log *logger.Logger) *Service {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	s := &Service{source: source, refreshInterval: refreshInterval, failureGrace: defaultFailureGrace, log: log}
	s.current.Store(snapshot{data: map[string]Record{}})
	if err := s.refresh(ctx); err != nil {
		log.Sugar().Warnw("identity: initial load failed, starting with empty snapshot", "error", err)
	}
	return s
}

// Get returns the cached record for userID, refreshing the snapshot first
// if the refresh interval has elapsed and the failure grace window (since
// the last failed attempt) has also passed. On any failure the previous
// snapshot is retained.
func (s *Service) Get(ctx context.Context, userID string) Record {
	s.maybeRefresh(ctx)
	snap := s.current.Load().(snapshot)
	if r, ok := snap.data[userID]; ok {
		return r
	}
	return Unknown(userID)
}

func (s *Service) maybeRefresh(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastSuccess) >= s.refreshInterval && time.Since(s.lastAttempt) >= s.failureGrace
	if !due {
		s.mu.Unlock()
		return
	}
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		s.log.Sugar().Warnw("identity: refresh failed, retaining previous snapshot", "error", err)
	}
}

func (s *Service) refresh(ctx context.Context) error {
	data, err := s.source.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.current.Store(snapshot{data: data, loadedAt: time.Now()})
	s.mu.Lock()
	s.lastSuccess = time.Now()
	s.mu.Unlock()
	return nil
}

// RunPeriodicRefresh blocks, triggering a refresh attempt every
// refreshInterval until ctx is cancelled. Intended to be run as a
// background goroutine from main; Get's on-demand refresh makes this
// optional but keeps the snapshot warm under sparse traffic.
func (s *Service) RunPeriodicRefresh(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				s.log.Sugar().Warnw("identity: periodic refresh failed", "error", err)
			}
		}
	}
}

// Count returns the number of records in the current snapshot, and the
// time it was loaded, for the admin stats surface.
func (s *Service) Count() (int, time.Time) {
	snap := s.current.Load().(snapshot)
	return len(snap.data), snap.loadedAt
}
