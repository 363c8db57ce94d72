// Package cadence schedules the periodic analysis passes over a live call.
// Decisions and stamps happen synchronously on the seller connection's
// goroutine; only the engine calls run async, guarded so at most one of each
// kind is in flight per call.
package cadence

import (
	"context"
	"sync"
	"time"

	"github.com/sellside/coachd/internal/domain"
	"github.com/sellside/coachd/internal/logging"
)

// Engine is the slice of the analysis client the scheduler drives.
type Engine interface {
	Coach(ctx context.Context, session *domain.CallSession, steps []string) (*domain.Coaching, error)
	LiveSummary(ctx context.Context, chunks []domain.TranscriptChunk, leadName, sellerName string) (*domain.LiveSummary, error)
}

// Publisher is the slice of the relay the scheduler publishes through.
type Publisher interface {
	PublishLiveSummary(ctx context.Context, callID string, summary *domain.LiveSummary) error
	PublishStream(ctx context.Context, callID, typ string, payload any) error
}

// Scheduler runs coaching and summary passes at their configured cadences.
type Scheduler struct {
	engine Engine
	pub    Publisher
	log    *logging.Logger

	coachingEvery time.Duration
	summaryEvery  time.Duration
	summaryWindow time.Duration
	engineTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]*flight
}

type flight struct {
	coach   bool
	summary bool
}

// New creates a scheduler.
func New(engine Engine, pub Publisher, coachingEvery, summaryEvery, summaryWindow, engineTimeout time.Duration, log *logging.Logger) *Scheduler {
	return &Scheduler{
		engine:        engine,
		pub:           pub,
		log:           log.Sub("cadence"),
		coachingEvery: coachingEvery,
		summaryEvery:  summaryEvery,
		summaryWindow: summaryWindow,
		engineTimeout: engineTimeout,
		inFlight:      make(map[string]*flight),
	}
}

// MaybeCoach runs a coaching pass when the cadence allows and new chunks have
// arrived since the last pass. The session stamp advances before the engine
// call so a slow engine never causes a double pass. deliver runs on a
// background goroutine once the engine answers.
func (s *Scheduler) MaybeCoach(session *domain.CallSession, steps []string, now int64, deliver func(*domain.Coaching)) {
	if session.ChunksSinceLastCoach == 0 {
		return
	}
	if session.LastCoachingAt != 0 && now-session.LastCoachingAt < s.coachingEvery.Milliseconds() {
		return
	}
	if !s.claim(session.CallID, false) {
		return
	}

	session.LastCoachingAt = now
	session.ChunksSinceLastCoach = 0
	snapshot := *session

	go func() {
		defer s.release(snapshot.CallID, false)

		ctx, cancel := context.WithTimeout(context.Background(), s.engineTimeout)
		defer cancel()

		coaching, err := s.engine.Coach(ctx, &snapshot, steps)
		if err != nil {
			s.log.Warn().Str("call_id", snapshot.CallID).Err(err).Msg("coaching pass failed")
			return
		}

		if coaching.Objection != "" {
			if err := s.pub.PublishStream(ctx, snapshot.CallID, "objection:detected", map[string]string{
				"objection": coaching.Objection,
				"response":  coaching.SuggestedResponse,
			}); err != nil {
				s.log.Warn().Str("call_id", snapshot.CallID).Err(err).Msg("objection publish failed")
			}
		}
		deliver(coaching)
	}()
}

// MaybeSummary refreshes the live summary when the cadence allows. Only the
// last summary window of the transcript is sent to the engine.
func (s *Scheduler) MaybeSummary(session *domain.CallSession, now int64) {
	if session.LastSummaryAt != 0 && now-session.LastSummaryAt < s.summaryEvery.Milliseconds() {
		return
	}
	window := session.TranscriptSince(now - s.summaryWindow.Milliseconds())
	if len(window) == 0 {
		return
	}
	if !s.claim(session.CallID, true) {
		return
	}

	session.LastSummaryAt = now
	callID, leadName, sellerName := session.CallID, session.LeadName, session.SellerName

	go func() {
		defer s.release(callID, true)

		ctx, cancel := context.WithTimeout(context.Background(), s.engineTimeout)
		defer cancel()

		summary, err := s.engine.LiveSummary(ctx, window, leadName, sellerName)
		if err != nil {
			s.log.Warn().Str("call_id", callID).Err(err).Msg("summary pass failed")
			return
		}
		if err := s.pub.PublishLiveSummary(ctx, callID, summary); err != nil {
			s.log.Warn().Str("call_id", callID).Err(err).Msg("summary publish failed")
		}
	}()
}

// Forget drops the in-flight bookkeeping for a finished call.
func (s *Scheduler) Forget(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, callID)
}

func (s *Scheduler) claim(callID string, summary bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.inFlight[callID]
	if !ok {
		f = &flight{}
		s.inFlight[callID] = f
	}
	if summary {
		if f.summary {
			return false
		}
		f.summary = true
	} else {
		if f.coach {
			return false
		}
		f.coach = true
	}
	return true
}

func (s *Scheduler) release(callID string, summary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.inFlight[callID]
	if !ok {
		return
	}
	if summary {
		f.summary = false
	} else {
		f.coach = false
	}
}
