package workflow

import "time"

// EventType tags a domain event produced by a committed transition.
type EventType string

const (
	EventStateChanged             EventType = "application.state_changed"
	EventInspectionPassed         EventType = "application.inspection_passed"
	EventInspectionFailed         EventType = "application.inspection_failed"
	EventCorrectiveActionRequired EventType = "application.corrective_action_required"
	EventApplicationRejected      EventType = "application.rejected"
	EventCertificateIssued        EventType = "certificate.issued"
	EventCertificateSuspended     EventType = "certificate.suspended"
	EventCertificateRevoked       EventType = "certificate.revoked"
	EventCertificateExpired       EventType = "certificate.expired"
	EventCertificateReinstated    EventType = "certificate.reinstated"
)

// DomainEvent is returned as a value from Transition. The engine performs
// no I/O to notification or certificate collaborators itself; a dispatcher
// outside the core routes these wherever side effects belong, strictly
// after the transition has committed.
type DomainEvent struct {
	Type          EventType  `json:"type"`
	ApplicationID string     `json:"applicationId"`
	From          State      `json:"from"`
	To            State      `json:"to"`
	At            time.Time  `json:"at"`
	Certificate   string     `json:"certificate,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}
