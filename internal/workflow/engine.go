package workflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/gacp-platform/certification-core/internal/audit"
	"github.com/gacp-platform/certification-core/internal/certno"
	"github.com/gacp-platform/certification-core/internal/scoring"
)

// Actor is the authenticated principal attempting a transition, supplied
// by the external authorization layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// ApplicationStore is the persistence contract the engine drives.
// Save must fail with ErrVersionConflict when expectedVersion is stale.
type ApplicationStore interface {
	Create(ctx context.Context, app *Application) error
	Load(ctx context.Context, id string) (*Application, error)
	Save(ctx context.Context, app *Application, expectedVersion int64) error
}

// Config carries the engine's policy knobs. Zero fields get defaults.
type Config struct {
	// Days a farmer has to fix a failed inspection.
	CorrectiveActionDays int

	// How long an issued certificate is valid.
	CertificateValidityDays int

	// Days before expiry during which renewal is permitted. Regulatory
	// policy, so configuration rather than a constant.
	RenewalWindowDays int
}

func (c Config) withDefaults() Config {
	if c.CorrectiveActionDays <= 0 {
		c.CorrectiveActionDays = 90
	}
	if c.CertificateValidityDays <= 0 {
		c.CertificateValidityDays = 3 * 365
	}
	if c.RenewalWindowDays <= 0 {
		c.RenewalWindowDays = 90
	}
	return c
}

// lockStripes is the size of the engine's striped lock array.
const lockStripes = 64

// Engine is the workflow state machine. Transitions for one application
// are serialized in-process by a striped per-application lock and across
// processes by the store's optimistic version check. Striping keeps the
// lock footprint constant regardless of how many applications the
// process has touched; two applications sharing a stripe merely
// serialize against each other.
type Engine struct {
	apps   ApplicationStore
	ledger audit.Ledger
	scorer *scoring.Engine
	certs  certno.Generator
	defs   []scoring.CCPDefinition
	cfg    Config
	now    func() time.Time

	locks [lockStripes]sync.Mutex
}

// NewEngine wires the state machine to its collaborators. The CCP
// definitions are validated once here; they are immutable afterwards.
func NewEngine(apps ApplicationStore, ledger audit.Ledger, scorer *scoring.Engine, certs certno.Generator, defs []scoring.CCPDefinition, cfg Config) (*Engine, error) {
	if err := scoring.ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	return &Engine{
		apps:   apps,
		ledger: ledger,
		scorer: scorer,
		certs:  certs,
		defs:   append([]scoring.CCPDefinition(nil), defs...),
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// TransitionResult is the outcome of one committed transition.
type TransitionResult struct {
	Application *Application       `json:"application"`
	Entry       *audit.Entry       `json:"auditEntry"`
	Events      []DomainEvent      `json:"events"`
	Compliance  *scoring.Result    `json:"compliance,omitempty"`
	Certificate *certno.CertificateNumber `json:"certificate,omitempty"`
}

// Create registers a new draft application and logs its creation.
func (e *Engine) Create(ctx context.Context, farmerID string, requiredDocuments []string, actor Actor) (*Application, error) {
	app := NewApplication(farmerID, requiredDocuments)
	if err := e.apps.Create(ctx, app); err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}
	if _, err := e.ledger.Append(ctx, audit.AppendInput{
		Category:     "workflow",
		Action:       "application.created",
		Actor:        audit.Actor{ID: actor.ID, Role: string(actor.Role)},
		ResourceType: "application",
		ResourceID:   app.ID,
		Result:       audit.ResultSuccess,
	}); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return app, nil
}

// ComputeCompliance scores the submitted raw scores against the engine's
// configured CCP definitions.
func (e *Engine) ComputeCompliance(scores map[string]float64) (scoring.Result, error) {
	return e.scorer.Compute(scores, e.defs)
}

// RenewalEligible reports whether an issued certificate is inside its
// renewal window: within the configured number of days before expiry and
// not yet expired.
func (e *Engine) RenewalEligible(app *Application, now time.Time) bool {
	if app.State != StateCertificateIssued || app.CertificateExpiry == nil {
		return false
	}
	opens := app.CertificateExpiry.AddDate(0, 0, -e.cfg.RenewalWindowDays)
	return !now.Before(opens) && now.Before(*app.CertificateExpiry)
}

// Transition attempts to move the application to toState on behalf of
// actor. It validates the edge, the actor's role and the edge's
// precondition, applies any attached side computation (scoring,
// certificate numbering), persists the new state under the application's
// version, and appends exactly one SUCCESS ledger entry as one logical
// operation. On any failure the application is left unchanged and
// a FAILURE entry is appended so the attempt stays visible to auditors.
func (e *Engine) Transition(ctx context.Context, appID string, toState State, actor Actor, tc TransitionContext) (*TransitionResult, error) {
	lock := e.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	now := e.now()

	app, err := e.apps.Load(ctx, appID)
	if err != nil {
		e.logFailure(ctx, appID, "", toState, actor, err)
		return nil, err
	}
	from := app.State
	expectedVersion := app.Version

	if !ValidState(toState) {
		err := &InvalidTransitionError{From: from, To: toState}
		e.logFailure(ctx, appID, from, toState, actor, err)
		return nil, err
	}

	edge := findEdge(from, toState)
	if edge == nil {
		err := &InvalidTransitionError{From: from, To: toState}
		e.logFailure(ctx, appID, from, toState, actor, err)
		return nil, err
	}

	if actor.Role != edge.Role {
		err := &ActorNotAuthorizedError{Required: edge.Role, Actual: actor.Role}
		e.logFailure(ctx, appID, from, toState, actor, err)
		return nil, err
	}

	env := checkEnv{app: app, tc: tc, now: now}

	// Edges leaving inspection_completed gate on the compliance result,
	// computed once here from the scores the inspector recorded.
	var compliance *scoring.Result
	if from == StateInspectionCompleted {
		res, err := e.scorer.Compute(app.CCPScores, e.defs)
		if err != nil {
			e.logFailure(ctx, appID, from, toState, actor, err)
			return nil, err
		}
		compliance = &res
		env.compliance = compliance
	}

	if edge.Precondition != nil {
		if checkErr := edge.Precondition.Check(env); checkErr != nil {
			err := &PreconditionNotMetError{From: from, To: toState, Reason: checkErr.Error()}
			e.logFailure(ctx, appID, from, toState, actor, err)
			return nil, err
		}
	}

	result := &TransitionResult{Compliance: compliance}
	if err := e.apply(ctx, app, edge, tc, now, result); err != nil {
		e.logFailure(ctx, appID, from, toState, actor, err)
		return nil, err
	}

	app.State = toState
	app.Version++
	app.UpdatedAt = now
	app.History = append(app.History, StateChange{
		From:      from,
		To:        toState,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		At:        now,
	})

	if err := e.apps.Save(ctx, app, expectedVersion); err != nil {
		e.logFailure(ctx, appID, from, toState, actor, err)
		return nil, err
	}

	metadata := map[string]interface{}{
		"from": string(from),
		"to":   string(toState),
	}
	if compliance != nil {
		metadata["totalScore"] = compliance.TotalScore
		metadata["tier"] = compliance.Tier
	}
	if result.Certificate != nil {
		metadata["certificate"] = result.Certificate.Formatted
	}
	entry, err := e.ledger.Append(ctx, audit.AppendInput{
		Category:     "workflow",
		Action:       "transition." + string(toState),
		Actor:        audit.Actor{ID: actor.ID, Role: string(actor.Role)},
		ResourceType: "application",
		ResourceID:   appID,
		Result:       audit.ResultSuccess,
		Metadata:     metadata,
	})
	if err != nil {
		// The state change is committed; a transition without its ledger
		// entry must surface loudly rather than pass as success.
		return nil, fmt.Errorf("append audit entry for committed transition: %w", err)
	}

	result.Application = app
	result.Entry = entry
	result.Events = e.events(app, from, toState, now, result)
	return result, nil
}

// apply performs the side computations attached to an edge, mutating the
// loaded application before it is saved.
func (e *Engine) apply(ctx context.Context, app *Application, edge *Edge, tc TransitionContext, now time.Time, result *TransitionResult) error {
	switch {
	case edge.To == StateSubmitted:
		app.Documents = mergeDocuments(app.Documents, tc.Documents)
		app.MissingDocuments = nil

	case edge.From == StateUnderReview && edge.To == StateDocumentIncomplete:
		app.MissingDocuments = append([]string(nil), tc.MissingDocuments...)

	case edge.From == StateUnderReview && edge.To == StateDocumentApproved:
		app.MissingDocuments = nil

	case edge.To == StateInspectionScheduled:
		app.InspectorID = tc.InspectorID
		app.WindowStart = tc.WindowStart
		app.WindowEnd = tc.WindowEnd
		app.CorrectiveDeadline = nil

	case edge.To == StateInspectionCompleted:
		app.CCPScores = make(map[string]float64, len(tc.Scores))
		for k, v := range tc.Scores {
			app.CCPScores[k] = v
		}

	case edge.To == StateInspectionPassed || edge.To == StateInspectionFailed:
		score := result.Compliance.TotalScore
		app.ComplianceScore = &score
		app.Tier = result.Compliance.Tier
		app.Violations = append([]string(nil), result.Compliance.Violations...)

	case edge.To == StateCorrectiveActionRequired:
		deadline := now.AddDate(0, 0, e.cfg.CorrectiveActionDays)
		app.CorrectiveDeadline = &deadline

	case edge.From == StateApproved && edge.To == StateCertificateIssued:
		num, err := e.certs.Generate(ctx, now.Year())
		if err != nil {
			return fmt.Errorf("generate certificate number: %w", err)
		}
		formatted := num.Formatted
		expiry := now.AddDate(0, 0, e.cfg.CertificateValidityDays)
		app.CertificateID = &formatted
		app.CertificateExpiry = &expiry
		result.Certificate = &num

	case edge.To == StateCertificateSuspended || edge.To == StateCertificateRevoked:
		app.StatusReason = tc.Reason

	case edge.From == StateCertificateSuspended && edge.To == StateCertificateIssued:
		app.StatusReason = ""
	}
	return nil
}

func (e *Engine) events(app *Application, from, to State, now time.Time, result *TransitionResult) []DomainEvent {
	base := DomainEvent{
		Type:          EventStateChanged,
		ApplicationID: app.ID,
		From:          from,
		To:            to,
		At:            now,
	}
	events := []DomainEvent{base}

	specific := base
	switch to {
	case StateInspectionPassed:
		specific.Type = EventInspectionPassed
	case StateInspectionFailed:
		specific.Type = EventInspectionFailed
	case StateCorrectiveActionRequired:
		specific.Type = EventCorrectiveActionRequired
		specific.Deadline = app.CorrectiveDeadline
	case StateRejected:
		specific.Type = EventApplicationRejected
	case StateCertificateIssued:
		if from == StateCertificateSuspended {
			specific.Type = EventCertificateReinstated
		} else {
			specific.Type = EventCertificateIssued
			if result.Certificate != nil {
				specific.Certificate = result.Certificate.Formatted
			}
		}
	case StateCertificateSuspended:
		specific.Type = EventCertificateSuspended
		specific.Reason = app.StatusReason
	case StateCertificateRevoked:
		specific.Type = EventCertificateRevoked
		specific.Reason = app.StatusReason
	case StateCertificateExpired:
		specific.Type = EventCertificateExpired
	default:
		return events
	}
	return append(events, specific)
}

// logFailure appends the FAILURE ledger entry for a rejected attempt.
// Failures are never invisible to the audit trail.
func (e *Engine) logFailure(ctx context.Context, appID string, from, to State, actor Actor, cause error) {
	metadata := map[string]interface{}{
		"to":    string(to),
		"error": cause.Error(),
	}
	if from != "" {
		metadata["from"] = string(from)
	}
	if _, err := e.ledger.Append(ctx, audit.AppendInput{
		Category:     "workflow",
		Action:       "transition." + string(to),
		Actor:        audit.Actor{ID: actor.ID, Role: string(actor.Role)},
		ResourceType: "application",
		ResourceID:   appID,
		Result:       audit.ResultFailure,
		Metadata:     metadata,
	}); err != nil {
		log.Printf("[workflow] append failure audit entry for %s: %v", appID, err)
	}
}

func (e *Engine) appLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.locks[h.Sum32()%lockStripes]
}

func mergeDocuments(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, d := range existing {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range added {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
