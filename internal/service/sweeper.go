package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/smart-pokhara/backend/internal/cache"
	"github.com/smart-pokhara/backend/internal/metrics"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/notify"
	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/sla"
)

const sweepLockName = "sla-sweep"

type SweepStore interface {
	ListOpenComplaints(ctx context.Context) ([]models.Complaint, error)
	ListAwaitingAssignment(ctx context.Context, before time.Time) ([]models.Complaint, error)
	RecordEscalation(ctx context.Context, e models.Escalation) (bool, error)
}

// Sweeper periodically fires due SLA escalation checkpoints and retries
// auto-assignment for complaints nobody could take earlier. With a Locker set,
// only one replica sweeps at a time.
type Sweeper struct {
	Store      SweepStore
	Assigner   *AssignmentService
	Policy     sla.Policy
	Rules      scoring.Rules
	Locker     *cache.Locker
	LockTTL    time.Duration
	Interval   time.Duration
	RetryDelay time.Duration
	Publisher  notify.Publisher
	Logger     zerolog.Logger
	Now        func() time.Time
}

type SweepReport struct {
	Skipped         bool           `json:"skipped"`
	Open            int            `json:"open"`
	Alerts          map[string]int `json:"alerts"`
	Escalations     int            `json:"escalations"`
	Assigned        int            `json:"assigned"`
	StillUnassigned int            `json:"still_unassigned"`
	Errors          int            `json:"errors"`
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.SweepOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error().Err(err).Msg("sla sweep failed")
		} else if !report.Skipped {
			s.Logger.Debug().
				Int("open", report.Open).
				Int("escalations", report.Escalations).
				Int("assigned", report.Assigned).
				Int("still_unassigned", report.StillUnassigned).
				Msg("sla sweep done")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	if s.Locker != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		lock, ok, err := s.Locker.TryAcquire(ctx, sweepLockName, ttl)
		if err != nil {
			return SweepReport{}, err
		}
		if !ok {
			return SweepReport{Skipped: true}, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.Logger.Warn().Err(err).Msg("sweep lock release failed")
			}
		}()
	}

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	report := SweepReport{Alerts: map[string]int{}}
	if err := s.escalate(ctx, &report); err != nil {
		return report, err
	}
	if err := s.retryAssignments(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

// escalate records every checkpoint reached since the last sweep. A complaint
// that skipped levels while the sweeper was down gets each missing level.
func (s *Sweeper) escalate(ctx context.Context, report *SweepReport) error {
	open, err := s.Store.ListOpenComplaints(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	report.Open = len(open)

	for _, c := range open {
		w := s.Policy.WindowWithExtensions(c.Priority, c.SubmittedAt, c.ExtensionCount)
		report.Alerts[string(s.Policy.AlertLevel(w, now))]++

		due, ok := w.DueCheckpoint(now)
		if !ok || due.Level <= c.EscalationLevel {
			continue
		}
		for _, cp := range w.Escalations {
			if cp.Level <= c.EscalationLevel || cp.Level > due.Level {
				continue
			}
			inserted, err := s.Store.RecordEscalation(ctx, models.Escalation{
				ComplaintID: c.ID,
				Level:       cp.Level,
				Target:      cp.Target,
				FiredAt:     now,
			})
			if err != nil {
				report.Errors++
				s.Logger.Error().Err(err).Str("complaint_id", c.ID).Int("level", cp.Level).Msg("failed to record escalation")
				break
			}
			if !inserted {
				continue
			}
			report.Escalations++
			metrics.EscalationsTotal.WithLabelValues(cp.Target).Inc()
			s.publish(ctx, notify.Event{
				Type:        notify.EventEscalation,
				ComplaintID: c.ID,
				Data: map[string]any{
					"level":               cp.Level,
					"target":              cp.Target,
					"checkpoint_at":       cp.At,
					"resolution_deadline": w.ResolutionDeadline,
					"status":              c.Status,
				},
			})
			s.Logger.Info().Str("complaint_id", c.ID).Int("level", cp.Level).Str("target", cp.Target).Msg("sla escalation")
		}
	}

	for _, level := range []sla.AlertLevel{sla.AlertOK, sla.AlertWarning, sla.AlertCritical, sla.AlertBreached} {
		metrics.OpenComplaints.WithLabelValues(string(level)).Set(float64(report.Alerts[string(level)]))
	}
	return nil
}

// retryAssignments works through waiting complaints most urgent first.
func (s *Sweeper) retryAssignments(ctx context.Context, report *SweepReport) error {
	if s.Assigner == nil {
		return nil
	}
	waiting, err := s.Store.ListAwaitingAssignment(ctx, s.now().Add(-s.RetryDelay))
	if err != nil {
		return err
	}
	s.orderForAssignment(waiting)

	for _, c := range waiting {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := s.Assigner.AutoAssign(ctx, c.ID, models.SystemActor)
		switch {
		case err == nil:
			report.Assigned++
		case errors.Is(err, ErrNoEligibleStaff):
			report.StillUnassigned++
		default:
			report.Errors++
			s.Logger.Error().Err(err).Str("complaint_id", c.ID).Msg("retry auto-assign failed")
		}
	}
	return nil
}

func (s *Sweeper) orderForAssignment(list []models.Complaint) {
	sort.SliceStable(list, func(i, j int) bool {
		wi, wj := s.Rules.PriorityWeight(list[i].Priority), s.Rules.PriorityWeight(list[j].Priority)
		if wi != wj {
			return wi > wj
		}
		if !list[i].SubmittedAt.Equal(list[j].SubmittedAt) {
			return list[i].SubmittedAt.Before(list[j].SubmittedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s *Sweeper) publish(ctx context.Context, e notify.Event) {
	if s.Publisher == nil {
		return
	}
	e.OccurredAt = s.now()
	if err := s.Publisher.Publish(ctx, e); err != nil {
		s.Logger.Error().Err(err).Str("event", e.Type).Str("complaint_id", e.ComplaintID).Msg("failed to publish event")
	}
}
