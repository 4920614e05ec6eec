package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Application is one certification case. It is created at submission
// time, mutated only by Engine.Transition, and never deleted: terminal
// states are retained for audit.
type Application struct {
	ID       string `json:"id"`
	FarmerID string `json:"farmerId"`
	State    State  `json:"state"`

	// Version increments on every committed transition; stores reject a
	// save whose expected version is stale.
	Version int64 `json:"version"`

	// Documents currently attached, and the ones a reviewer flagged as
	// missing during document review.
	RequiredDocuments []string `json:"requiredDocuments,omitempty"`
	Documents         []string `json:"documents,omitempty"`
	MissingDocuments  []string `json:"missingDocuments,omitempty"`

	// Inspection assignment.
	InspectorID string     `json:"inspectorId,omitempty"`
	WindowStart *time.Time `json:"windowStart,omitempty"`
	WindowEnd   *time.Time `json:"windowEnd,omitempty"`

	// Raw CCP scores submitted by the inspector, and the scoring outcome
	// recorded when the compliance gate ran.
	CCPScores       map[string]float64 `json:"ccpScores,omitempty"`
	ComplianceScore *float64           `json:"complianceScore,omitempty"`
	Tier            string             `json:"tier,omitempty"`
	Violations      []string           `json:"violations,omitempty"`

	// Certificate issuance.
	CertificateID     *string    `json:"certificateId,omitempty"`
	CertificateExpiry *time.Time `json:"certificateExpiry,omitempty"`
	StatusReason      string     `json:"statusReason,omitempty"`

	// Deadline for fixing a failed inspection.
	CorrectiveDeadline *time.Time `json:"correctiveDeadline,omitempty"`

	History []StateChange `json:"history,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StateChange is one realized edge in the application's history.
type StateChange struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	ActorID   string    `json:"actorId"`
	ActorRole Role      `json:"actorRole"`
	At        time.Time `json:"at"`
}

// NewApplication returns a draft application for a farmer with the
// document checklist it must satisfy before submission.
func NewApplication(farmerID string, requiredDocuments []string) *Application {
	now := time.Now().UTC()
	return &Application{
		ID:                uuid.New().String(),
		FarmerID:          farmerID,
		State:             StateDraft,
		Version:           1,
		RequiredDocuments: requiredDocuments,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy so stores and callers never alias live state.
func (a *Application) Clone() *Application {
	cp := *a
	cp.RequiredDocuments = append([]string(nil), a.RequiredDocuments...)
	cp.Documents = append([]string(nil), a.Documents...)
	cp.MissingDocuments = append([]string(nil), a.MissingDocuments...)
	cp.History = append([]StateChange(nil), a.History...)
	if a.CCPScores != nil {
		cp.CCPScores = make(map[string]float64, len(a.CCPScores))
		for k, v := range a.CCPScores {
			cp.CCPScores[k] = v
		}
	}
	cp.Violations = append([]string(nil), a.Violations...)
	if a.ComplianceScore != nil {
		v := *a.ComplianceScore
		cp.ComplianceScore = &v
	}
	if a.CertificateID != nil {
		v := *a.CertificateID
		cp.CertificateID = &v
	}
	if a.CertificateExpiry != nil {
		v := *a.CertificateExpiry
		cp.CertificateExpiry = &v
	}
	if a.CorrectiveDeadline != nil {
		v := *a.CorrectiveDeadline
		cp.CorrectiveDeadline = &v
	}
	if a.WindowStart != nil {
		v := *a.WindowStart
		cp.WindowStart = &v
	}
	if a.WindowEnd != nil {
		v := *a.WindowEnd
		cp.WindowEnd = &v
	}
	return &cp
}
