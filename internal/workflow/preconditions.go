package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/gacp-platform/certification-core/internal/scoring"
)

// TransitionContext carries the caller-supplied inputs an edge may
// require. Each precondition declares exactly the fields it reads and
// fails with a typed reason when a required field is absent; there is no
// duck typing and no silent missing value.
type TransitionContext struct {
	// Documents being (re)submitted by the farmer.
	Documents []string

	// Documents the reviewer flags as missing.
	MissingDocuments []string

	// Inspection assignment.
	InspectorID string
	WindowStart *time.Time
	WindowEnd   *time.Time

	// Raw CCP scores submitted at inspection completion.
	Scores map[string]float64

	// Reason for suspension or revocation.
	Reason string
}

// checkEnv is everything a precondition may inspect: the loaded
// application, the caller context, the engine clock, and, for edges
// leaving inspection_completed, the compliance result the engine
// computed for this attempt.
type checkEnv struct {
	app        *Application
	tc         TransitionContext
	now        time.Time
	compliance *scoring.Result
}

// Precondition guards one edge. Check returns nil when the transition may
// proceed; any error is wrapped into a PreconditionNotMetError.
type Precondition interface {
	Description() string
	Check(env checkEnv) error
}

type requiredDocumentsAttached struct{}

func (requiredDocumentsAttached) Description() string { return "all required documents attached" }

func (requiredDocumentsAttached) Check(env checkEnv) error {
	attached := make(map[string]bool, len(env.app.Documents)+len(env.tc.Documents))
	for _, d := range env.app.Documents {
		attached[d] = true
	}
	for _, d := range env.tc.Documents {
		attached[d] = true
	}
	for _, required := range env.app.RequiredDocuments {
		if !attached[required] {
			return fmt.Errorf("required document %q not attached", required)
		}
	}
	return nil
}

type missingDocumentsListed struct{}

func (missingDocumentsListed) Description() string { return "missing-document list non-empty" }

func (missingDocumentsListed) Check(env checkEnv) error {
	if len(env.tc.MissingDocuments) == 0 {
		return errors.New("missing-document list required and must be non-empty")
	}
	return nil
}

type noMissingDocuments struct{}

func (noMissingDocuments) Description() string { return "missing-document list empty" }

func (noMissingDocuments) Check(env checkEnv) error {
	if len(env.tc.MissingDocuments) != 0 {
		return errors.New("cannot approve documents while documents are flagged missing")
	}
	return nil
}

type updatedDocumentsProvided struct{}

func (updatedDocumentsProvided) Description() string { return "resubmission with updated documents" }

func (updatedDocumentsProvided) Check(env checkEnv) error {
	if len(env.tc.Documents) == 0 {
		return errors.New("resubmission requires updated documents")
	}
	return nil
}

type inspectionAssigned struct{}

func (inspectionAssigned) Description() string { return "inspector and date assigned" }

func (inspectionAssigned) Check(env checkEnv) error {
	if env.tc.InspectorID == "" {
		return errors.New("inspector id required")
	}
	if env.tc.WindowStart == nil || env.tc.WindowEnd == nil {
		return errors.New("inspection window start and end required")
	}
	if !env.tc.WindowEnd.After(*env.tc.WindowStart) {
		return errors.New("inspection window end must be after start")
	}
	return nil
}

type withinScheduledWindow struct{}

func (withinScheduledWindow) Description() string { return "current time within scheduled window" }

func (withinScheduledWindow) Check(env checkEnv) error {
	if env.app.WindowStart == nil || env.app.WindowEnd == nil {
		return errors.New("application has no scheduled inspection window")
	}
	if env.now.Before(*env.app.WindowStart) || env.now.After(*env.app.WindowEnd) {
		return fmt.Errorf("current time %s outside scheduled window", env.now.Format(time.RFC3339))
	}
	return nil
}

type allScoresSubmitted struct{}

func (allScoresSubmitted) Description() string { return "all CCP scores submitted" }

func (allScoresSubmitted) Check(env checkEnv) error {
	if len(env.tc.Scores) == 0 {
		return errors.New("CCP scores required")
	}
	return nil
}

type complianceGate struct {
	wantPass bool
}

func (g complianceGate) Description() string {
	if g.wantPass {
		return "compliance scoring passed"
	}
	return "compliance scoring failed"
}

func (g complianceGate) Check(env checkEnv) error {
	if env.compliance == nil {
		return errors.New("no compliance result available")
	}
	if env.compliance.Pass != g.wantPass {
		if g.wantPass {
			return fmt.Errorf("compliance not passed (score %.2f, %d violations)",
				env.compliance.TotalScore, len(env.compliance.Violations))
		}
		return fmt.Errorf("compliance passed (score %.2f); cannot mark inspection failed",
			env.compliance.TotalScore)
	}
	return nil
}

type beforeCorrectiveDeadline struct{}

func (beforeCorrectiveDeadline) Description() string { return "before corrective-action deadline" }

func (beforeCorrectiveDeadline) Check(env checkEnv) error {
	if env.app.CorrectiveDeadline == nil {
		return errors.New("application has no corrective-action deadline")
	}
	if !env.now.Before(*env.app.CorrectiveDeadline) {
		return errors.New("corrective-action deadline elapsed")
	}
	return nil
}

type correctiveDeadlineElapsed struct{}

func (correctiveDeadlineElapsed) Description() string { return "corrective-action deadline elapsed" }

func (correctiveDeadlineElapsed) Check(env checkEnv) error {
	if env.app.CorrectiveDeadline == nil {
		return errors.New("application has no corrective-action deadline")
	}
	if env.now.Before(*env.app.CorrectiveDeadline) {
		return errors.New("corrective-action deadline has not elapsed")
	}
	return nil
}

type reasonSupplied struct{}

func (reasonSupplied) Description() string { return "reason supplied" }

func (reasonSupplied) Check(env checkEnv) error {
	if env.tc.Reason == "" {
		return errors.New("reason required")
	}
	return nil
}

type expiryElapsed struct{}

func (expiryElapsed) Description() string { return "certificate expiry date elapsed" }

func (expiryElapsed) Check(env checkEnv) error {
	if env.app.CertificateExpiry == nil {
		return errors.New("application has no certificate expiry date")
	}
	if env.now.Before(*env.app.CertificateExpiry) {
		return errors.New("certificate has not expired")
	}
	return nil
}
