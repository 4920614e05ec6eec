// package sweeper runs the time-driven transitions no human actor
// triggers: rejecting applications whose corrective-action deadline
// elapsed, and expiring certificates past their validity date.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gacp-platform/certification-core/internal/workflow"
)

// Store is the read surface the sweeper needs from the application store.
type Store interface {
	Load(ctx context.Context, id string) (*workflow.Application, error)
	ListByState(ctx context.Context, state workflow.State) ([]string, error)
}

// Config configures the sweep loop. Zero fields get defaults.
type Config struct {
	Interval time.Duration
}

// Sweeper periodically drives overdue applications through their system
// edges. Candidates are loaded and checked against their deadline first;
// only actually-due applications reach Engine.Transition, so sweeping a
// large not-yet-due population writes nothing to the ledger. The
// transitions that do run are validated, versioned and audit-logged like
// any other.
type Sweeper struct {
	engine *workflow.Engine
	store  Store
	cfg    Config
	actor  workflow.Actor
	now    func() time.Time
}

// New constructs a sweeper acting as the given system principal.
func New(engine *workflow.Engine, store Store, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Sweeper{
		engine: engine,
		store:  store,
		cfg:    cfg,
		actor:  workflow.Actor{ID: "sweeper", Role: workflow.RoleSystem},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the sweeper clock. Test hook.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run starts the sweep loop and blocks until ctx is cancelled. Safe to
// run in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	log.Printf("[sweeper] starting (interval=%s)", s.cfg.Interval)
	defer log.Printf("[sweeper] stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over both overdue sets.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweep(ctx, workflow.StateCorrectiveActionRequired, workflow.StateRejected,
		func(app *workflow.Application) *time.Time { return app.CorrectiveDeadline })
	s.sweep(ctx, workflow.StateCertificateIssued, workflow.StateCertificateExpired,
		func(app *workflow.Application) *time.Time { return app.CertificateExpiry })
}

func (s *Sweeper) sweep(ctx context.Context, from, to workflow.State, dueAt func(*workflow.Application) *time.Time) {
	ids, err := s.store.ListByState(ctx, from)
	if err != nil {
		log.Printf("[sweeper] list %s: %v", from, err)
		return
	}
	now := s.now()
	for _, id := range ids {
		app, err := s.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, workflow.ErrApplicationNotFound) {
				continue
			}
			log.Printf("[sweeper] load %s: %v", id, err)
			continue
		}
		due := dueAt(app)
		if due == nil || now.Before(*due) {
			continue
		}

		_, err = s.engine.Transition(ctx, id, to, s.actor, workflow.TransitionContext{})
		if err != nil {
			// Someone else moved the application between load and
			// transition; the next pass re-lists.
			var precond *workflow.PreconditionNotMetError
			var invalid *workflow.InvalidTransitionError
			if errors.As(err, &precond) || errors.As(err, &invalid) ||
				errors.Is(err, workflow.ErrVersionConflict) || errors.Is(err, workflow.ErrApplicationNotFound) {
				continue
			}
			log.Printf("[sweeper] transition %s -> %s: %v", id, to, err)
			continue
		}
		log.Printf("[sweeper] application %s: %s -> %s", id, from, to)
	}
}
