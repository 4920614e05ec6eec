package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gacp-platform/certification-core/internal/audit"
	"github.com/gacp-platform/certification-core/internal/certno"
	"github.com/gacp-platform/certification-core/internal/scoring"
	"github.com/gacp-platform/certification-core/internal/store"
	"github.com/gacp-platform/certification-core/internal/workflow"
)

var (
	farmer    = workflow.Actor{ID: "farmer-1", Role: workflow.RoleFarmer}
	reviewer  = workflow.Actor{ID: "reviewer-1", Role: workflow.RoleReviewer}
	scheduler = workflow.Actor{ID: "scheduler-1", Role: workflow.RoleScheduler}
	inspector = workflow.Actor{ID: "inspector-1", Role: workflow.RoleInspector}
	approver  = workflow.Actor{ID: "approver-1", Role: workflow.RoleApprover}
	admin     = workflow.Actor{ID: "admin-1", Role: workflow.RoleAdmin}
	system    = workflow.Actor{ID: "scheduler-job", Role: workflow.RoleSystem}
)

func testDefs() []scoring.CCPDefinition {
	ids := []string{
		"ccp-seed", "ccp-soil", "ccp-pest", "ccp-harvest",
		"ccp-post-harvest", "ccp-storage", "ccp-records", "ccp-hygiene",
	}
	defs := make([]scoring.CCPDefinition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, scoring.CCPDefinition{ID: id, Weight: 12.5, MinScore: 60})
	}
	return defs
}

func passingScores() map[string]float64 {
	scores := map[string]float64{}
	for _, d := range testDefs() {
		scores[d.ID] = 95
	}
	return scores
}

type fixture struct {
	engine *workflow.Engine
	apps   *store.MemoryStore
	ledger *audit.MemoryLedger
	clock  *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	apps := store.NewMemoryStore()
	ledger := audit.NewMemoryLedger()
	engine, err := workflow.NewEngine(
		apps,
		ledger,
		scoring.NewEngine(80, nil),
		certno.NewMemoryGenerator("GACP"),
		testDefs(),
		workflow.Config{},
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{engine: engine, apps: apps, ledger: ledger, clock: &now}
	engine.SetClock(func() time.Time { return *f.clock })
	ledger.SetClock(func() time.Time { return *f.clock })
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }
func (f *fixture) advanceDays(days int)    { *f.clock = f.clock.AddDate(0, 0, days) }

func (f *fixture) newApp(t *testing.T) *workflow.Application {
	t.Helper()
	app, err := f.engine.Create(context.Background(), farmer.ID, []string{"land-deed", "water-test"}, farmer)
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	return app
}

func (f *fixture) mustTransition(t *testing.T, id string, to workflow.State, actor workflow.Actor, tc workflow.TransitionContext) *workflow.TransitionResult {
	t.Helper()
	res, err := f.engine.Transition(context.Background(), id, to, actor, tc)
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	return res
}

// driveTo walks the application along the happy path until it reaches
// the requested state.
func (f *fixture) driveTo(t *testing.T, id string, target workflow.State) {
	t.Helper()
	windowStart := f.clock.Add(-time.Hour)
	windowEnd := f.clock.Add(6 * time.Hour)
	steps := []struct {
		to    workflow.State
		actor workflow.Actor
		tc    workflow.TransitionContext
	}{
		{workflow.StateSubmitted, farmer, workflow.TransitionContext{Documents: []string{"land-deed", "water-test"}}},
		{workflow.StateUnderReview, reviewer, workflow.TransitionContext{}},
		{workflow.StateDocumentApproved, reviewer, workflow.TransitionContext{}},
		{workflow.StateInspectionScheduled, scheduler, workflow.TransitionContext{
			InspectorID: inspector.ID, WindowStart: &windowStart, WindowEnd: &windowEnd,
		}},
		{workflow.StateInspectionInProgress, inspector, workflow.TransitionContext{}},
		{workflow.StateInspectionCompleted, inspector, workflow.TransitionContext{Scores: passingScores()}},
		{workflow.StateInspectionPassed, system, workflow.TransitionContext{}},
		{workflow.StateApproved, approver, workflow.TransitionContext{}},
		{workflow.StateCertificateIssued, system, workflow.TransitionContext{}},
	}
	for _, s := range steps {
		f.mustTransition(t, id, s.to, s.actor, s.tc)
		if s.to == target {
			return
		}
	}
}

func TestHappyPathToCertificate(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)

	f.driveTo(t, app.ID, workflow.StateCertificateIssued)

	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.Equal(t, workflow.StateCertificateIssued, got.State)
	assert.NotNil(t, got.CertificateID)
	assert.Equal(t, "GACP-2025-0001", *got.CertificateID)
	assert.NotNil(t, got.CertificateExpiry)
	assert.NotNil(t, got.ComplianceScore)
	assert.Equal(t, 95.0, *got.ComplianceScore)
	assert.Equal(t, "Excellent", got.Tier)
	assert.Empty(t, got.Violations)

	// The realized state sequence is a valid walk on the graph.
	prev := workflow.StateDraft
	for _, h := range got.History {
		assert.Equal(t, prev, h.From)
		allowed := false
		for _, e := range workflow.AllowedTransitions(h.From) {
			if e.To == h.To {
				allowed = true
			}
		}
		assert.True(t, allowed, "edge %s -> %s not in graph", h.From, h.To)
		prev = h.To
	}

	// Exactly one SUCCESS ledger entry per transition plus creation, and
	// the chain is intact.
	entries, err := f.ledger.Range(context.Background(), 1, 0)
	assert.NoError(t, err)
	assert.Len(t, entries, 10) // 1 created + 9 transitions
	res, err := audit.VerifyChain(context.Background(), f.ledger, 1, 0)
	assert.NoError(t, err)
	assert.True(t, res.Intact)
}

func TestTransitionLinksAuditEntryToHead(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateDocumentApproved)

	head, err := f.ledger.Head(context.Background())
	assert.NoError(t, err)

	windowStart := f.clock.Add(time.Hour)
	windowEnd := f.clock.Add(8 * time.Hour)
	res := f.mustTransition(t, app.ID, workflow.StateInspectionScheduled, scheduler, workflow.TransitionContext{
		InspectorID: inspector.ID, WindowStart: &windowStart, WindowEnd: &windowEnd,
	})

	assert.Equal(t, audit.ResultSuccess, res.Entry.Result)
	assert.Equal(t, head.CurrentHash, res.Entry.PreviousHash)
	assert.Equal(t, head.SequenceNumber+1, res.Entry.SequenceNumber)
}

func TestInvalidTransitionLeavesStateUntouchedAndLogsFailure(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)

	before, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)

	_, err = f.engine.Transition(context.Background(), app.ID, workflow.StateCertificateIssued, system, workflow.TransitionContext{})
	var invalid *workflow.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, workflow.StateDraft, invalid.From)
	assert.Equal(t, workflow.StateCertificateIssued, invalid.To)

	after, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Version, after.Version)

	head, err := f.ledger.Head(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, audit.ResultFailure, head.Result)
	assert.Equal(t, "transition.certificate_issued", head.Action)
}

func TestActorRoleIsEnforced(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.mustTransition(t, app.ID, workflow.StateSubmitted, farmer, workflow.TransitionContext{Documents: []string{"land-deed", "water-test"}})

	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateUnderReview, farmer, workflow.TransitionContext{})
	var unauth *workflow.ActorNotAuthorizedError
	assert.ErrorAs(t, err, &unauth)
	assert.Equal(t, workflow.RoleReviewer, unauth.Required)
	assert.Equal(t, workflow.RoleFarmer, unauth.Actual)
}

func TestSubmissionRequiresAllDocuments(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)

	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateSubmitted, farmer, workflow.TransitionContext{
		Documents: []string{"land-deed"}, // water-test missing
	})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)
	assert.Contains(t, precond.Reason, "water-test")
}

func TestComplianceGateBlocksWrongOutcome(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateInspectionInProgress)

	// One CCP below its floor: aggregate is high but pass must be false.
	scores := passingScores()
	scores["ccp-storage"] = 50
	f.mustTransition(t, app.ID, workflow.StateInspectionCompleted, inspector, workflow.TransitionContext{Scores: scores})

	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateInspectionPassed, system, workflow.TransitionContext{})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)

	res := f.mustTransition(t, app.ID, workflow.StateInspectionFailed, system, workflow.TransitionContext{})
	assert.NotNil(t, res.Compliance)
	assert.False(t, res.Compliance.Pass)
	assert.Equal(t, []string{"ccp-storage"}, res.Compliance.Violations)

	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"ccp-storage"}, got.Violations)
}

func TestCorrectiveActionDeadline(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateInspectionInProgress)

	scores := passingScores()
	scores["ccp-storage"] = 50
	f.mustTransition(t, app.ID, workflow.StateInspectionCompleted, inspector, workflow.TransitionContext{Scores: scores})
	f.mustTransition(t, app.ID, workflow.StateInspectionFailed, system, workflow.TransitionContext{})

	res := f.mustTransition(t, app.ID, workflow.StateCorrectiveActionRequired, system, workflow.TransitionContext{})
	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.NotNil(t, got.CorrectiveDeadline)
	assert.Equal(t, f.clock.AddDate(0, 0, 90), *got.CorrectiveDeadline)

	var deadlineEvent *workflow.DomainEvent
	for i := range res.Events {
		if res.Events[i].Type == workflow.EventCorrectiveActionRequired {
			deadlineEvent = &res.Events[i]
		}
	}
	assert.NotNil(t, deadlineEvent)

	// Rejection before the deadline is not allowed.
	_, err = f.engine.Transition(context.Background(), app.ID, workflow.StateRejected, system, workflow.TransitionContext{})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)

	// Once the deadline elapsed the system edge opens and rescheduling closes.
	f.advanceDays(91)
	_, err = f.engine.Transition(context.Background(), app.ID, workflow.StateInspectionScheduled, scheduler, workflow.TransitionContext{InspectorID: inspector.ID})
	assert.ErrorAs(t, err, &precond)

	f.mustTransition(t, app.ID, workflow.StateRejected, system, workflow.TransitionContext{})
	got, err = f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.Equal(t, workflow.StateRejected, got.State)
	assert.True(t, workflow.IsTerminal(got.State))
}

func TestSuspendReinstateAndRevoke(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateCertificateIssued)

	// Reason is mandatory.
	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateCertificateSuspended, admin, workflow.TransitionContext{})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)

	res := f.mustTransition(t, app.ID, workflow.StateCertificateSuspended, admin, workflow.TransitionContext{Reason: "pesticide residue complaint"})
	assert.Equal(t, workflow.EventCertificateSuspended, res.Events[1].Type)

	res = f.mustTransition(t, app.ID, workflow.StateCertificateIssued, admin, workflow.TransitionContext{})
	assert.Equal(t, workflow.EventCertificateReinstated, res.Events[1].Type)

	f.mustTransition(t, app.ID, workflow.StateCertificateRevoked, admin, workflow.TransitionContext{Reason: "falsified records"})
	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.True(t, workflow.IsTerminal(got.State))
}

func TestCertificateExpiry(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateCertificateIssued)

	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateCertificateExpired, system, workflow.TransitionContext{})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)

	f.advanceDays(3*365 + 1)
	res := f.mustTransition(t, app.ID, workflow.StateCertificateExpired, system, workflow.TransitionContext{})
	assert.Equal(t, workflow.EventCertificateExpired, res.Events[1].Type)
}

func TestRenewalEligibilityWindow(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateCertificateIssued)

	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)

	// Too early: outside the 90-day window.
	assert.False(t, f.engine.RenewalEligible(got, *f.clock))

	// Inside the window.
	inside := got.CertificateExpiry.AddDate(0, 0, -30)
	assert.True(t, f.engine.RenewalEligible(got, inside))

	// On and after expiry: no longer eligible.
	assert.False(t, f.engine.RenewalEligible(got, *got.CertificateExpiry))
}

// conflictStore lets a competing writer commit between the engine's load
// and save, reproducing the two-instance race deterministically.
type conflictStore struct {
	workflow.ApplicationStore
	beforeSave func()
}

func (c *conflictStore) Save(ctx context.Context, app *workflow.Application, expectedVersion int64) error {
	if c.beforeSave != nil {
		hook := c.beforeSave
		c.beforeSave = nil
		hook()
	}
	return c.ApplicationStore.Save(ctx, app, expectedVersion)
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateUnderReview)

	// A second engine instance sharing the same store and ledger, as two
	// service replicas would.
	wrapped := &conflictStore{ApplicationStore: f.apps}
	engineA, err := workflow.NewEngine(wrapped, f.ledger, scoring.NewEngine(80, nil),
		certno.NewMemoryGenerator("GACP"), testDefs(), workflow.Config{})
	assert.NoError(t, err)

	var competitorErr error
	wrapped.beforeSave = func() {
		_, competitorErr = f.engine.Transition(context.Background(), app.ID,
			workflow.StateDocumentIncomplete, reviewer,
			workflow.TransitionContext{MissingDocuments: []string{"water-test"}})
	}

	_, err = engineA.Transition(context.Background(), app.ID, workflow.StateDocumentApproved, reviewer, workflow.TransitionContext{})
	assert.ErrorIs(t, err, workflow.ErrVersionConflict)
	assert.NoError(t, competitorErr)

	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.Equal(t, workflow.StateDocumentIncomplete, got.State)
}

func TestDocumentIncompleteResubmissionLoop(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateUnderReview)

	f.mustTransition(t, app.ID, workflow.StateDocumentIncomplete, reviewer, workflow.TransitionContext{
		MissingDocuments: []string{"water-test"},
	})

	// Resubmission must carry updated documents.
	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateSubmitted, farmer, workflow.TransitionContext{})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)

	f.mustTransition(t, app.ID, workflow.StateSubmitted, farmer, workflow.TransitionContext{
		Documents: []string{"water-test"},
	})
	got, err := f.apps.Load(context.Background(), app.ID)
	assert.NoError(t, err)
	assert.Empty(t, got.MissingDocuments)
}

func TestAllowedTransitionsMetadata(t *testing.T) {
	edges := workflow.AllowedTransitions(workflow.StateCertificateIssued)
	assert.Len(t, edges, 3)

	byTarget := map[workflow.State]workflow.EdgeInfo{}
	for _, e := range edges {
		byTarget[e.To] = e
	}
	assert.Equal(t, workflow.RoleAdmin, byTarget[workflow.StateCertificateSuspended].Role)
	assert.Equal(t, "reason supplied", byTarget[workflow.StateCertificateSuspended].Precondition)
	assert.Equal(t, workflow.RoleSystem, byTarget[workflow.StateCertificateExpired].Role)

	assert.Empty(t, workflow.AllowedTransitions(workflow.StateRejected))
	assert.Empty(t, workflow.AllowedTransitions(workflow.StateCertificateRevoked))
}

func TestInspectionWindowEnforced(t *testing.T) {
	f := newFixture(t)
	app := f.newApp(t)
	f.driveTo(t, app.ID, workflow.StateDocumentApproved)

	windowStart := f.clock.Add(24 * time.Hour)
	windowEnd := f.clock.Add(30 * time.Hour)
	f.mustTransition(t, app.ID, workflow.StateInspectionScheduled, scheduler, workflow.TransitionContext{
		InspectorID: inspector.ID, WindowStart: &windowStart, WindowEnd: &windowEnd,
	})

	_, err := f.engine.Transition(context.Background(), app.ID, workflow.StateInspectionInProgress, inspector, workflow.TransitionContext{})
	var precond *workflow.PreconditionNotMetError
	assert.ErrorAs(t, err, &precond)

	f.advance(25 * time.Hour)
	f.mustTransition(t, app.ID, workflow.StateInspectionInProgress, inspector, workflow.TransitionContext{})
}

func TestUnknownApplication(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Transition(context.Background(), "no-such-app", workflow.StateSubmitted, farmer, workflow.TransitionContext{})
	assert.True(t, errors.Is(err, workflow.ErrApplicationNotFound))
}
