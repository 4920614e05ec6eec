// package workflow owns the certification application lifecycle: the
// legal transition graph, who may walk each edge, the typed precondition
// attached to it, and the orchestration of scoring, certificate numbering
// and audit logging on every transition.
package workflow

// State of a certification application. The state changes only via a
// valid edge of the transition graph.
type State string

const (
	StateDraft                    State = "draft"
	StateSubmitted                State = "submitted"
	StateUnderReview              State = "under_review"
	StateDocumentIncomplete       State = "document_incomplete"
	StateDocumentApproved         State = "document_approved"
	StateInspectionScheduled      State = "inspection_scheduled"
	StateInspectionInProgress     State = "inspection_in_progress"
	StateInspectionCompleted      State = "inspection_completed"
	StateInspectionPassed         State = "inspection_passed"
	StateInspectionFailed         State = "inspection_failed"
	StateCorrectiveActionRequired State = "corrective_action_required"
	StateApproved                 State = "approved"
	StateRejected                 State = "rejected"
	StateCertificateIssued        State = "certificate_issued"
	StateCertificateSuspended     State = "certificate_suspended"
	StateCertificateRevoked       State = "certificate_revoked"
	StateCertificateExpired       State = "certificate_expired"
)

// Role an actor must hold to walk an edge. Role assignment itself is the
// job of the external authorization layer.
type Role string

const (
	RoleFarmer    Role = "farmer"
	RoleReviewer  Role = "reviewer"
	RoleScheduler Role = "scheduler"
	RoleInspector Role = "inspector"
	RoleApprover  Role = "approver"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Terminal states accept no further transitions.
var terminalStates = map[State]bool{
	StateRejected:           true,
	StateCertificateRevoked: true,
}

// IsTerminal reports whether the state accepts no further transitions.
func IsTerminal(s State) bool { return terminalStates[s] }

// ValidState reports whether s belongs to the state enum.
func ValidState(s State) bool {
	switch s {
	case StateDraft, StateSubmitted, StateUnderReview, StateDocumentIncomplete,
		StateDocumentApproved, StateInspectionScheduled, StateInspectionInProgress,
		StateInspectionCompleted, StateInspectionPassed, StateInspectionFailed,
		StateCorrectiveActionRequired, StateApproved, StateRejected,
		StateCertificateIssued, StateCertificateSuspended, StateCertificateRevoked,
		StateCertificateExpired:
		return true
	}
	return false
}

// Edge is one legal transition: who may take it and what must hold first.
type Edge struct {
	From         State
	To           State
	Role         Role
	Precondition Precondition
}

// transitionTable is the complete lifecycle graph. Every mutation of an
// application walks exactly one of these edges.
var transitionTable = []Edge{
	{StateDraft, StateSubmitted, RoleFarmer, requiredDocumentsAttached{}},
	{StateSubmitted, StateUnderReview, RoleReviewer, nil},
	{StateUnderReview, StateDocumentIncomplete, RoleReviewer, missingDocumentsListed{}},
	{StateUnderReview, StateDocumentApproved, RoleReviewer, noMissingDocuments{}},
	{StateDocumentIncomplete, StateSubmitted, RoleFarmer, updatedDocumentsProvided{}},
	{StateDocumentApproved, StateInspectionScheduled, RoleScheduler, inspectionAssigned{}},
	{StateInspectionScheduled, StateInspectionInProgress, RoleInspector, withinScheduledWindow{}},
	{StateInspectionInProgress, StateInspectionCompleted, RoleInspector, allScoresSubmitted{}},
	{StateInspectionCompleted, StateInspectionPassed, RoleSystem, complianceGate{wantPass: true}},
	{StateInspectionCompleted, StateInspectionFailed, RoleSystem, complianceGate{wantPass: false}},
	{StateInspectionFailed, StateCorrectiveActionRequired, RoleSystem, nil},
	{StateCorrectiveActionRequired, StateInspectionScheduled, RoleScheduler, beforeCorrectiveDeadline{}},
	{StateCorrectiveActionRequired, StateRejected, RoleSystem, correctiveDeadlineElapsed{}},
	{StateInspectionPassed, StateApproved, RoleApprover, nil},
	{StateApproved, StateCertificateIssued, RoleSystem, nil},
	{StateCertificateIssued, StateCertificateSuspended, RoleAdmin, reasonSupplied{}},
	{StateCertificateIssued, StateCertificateRevoked, RoleAdmin, reasonSupplied{}},
	{StateCertificateIssued, StateCertificateExpired, RoleSystem, expiryElapsed{}},
	{StateCertificateSuspended, StateCertificateIssued, RoleAdmin, nil},
}

// findEdge returns the edge from->to, or nil when the graph has none.
func findEdge(from, to State) *Edge {
	for i := range transitionTable {
		if transitionTable[i].From == from && transitionTable[i].To == to {
			return &transitionTable[i]
		}
	}
	return nil
}

// EdgeInfo describes one outgoing edge for API layers.
type EdgeInfo struct {
	To           State  `json:"to"`
	Role         Role   `json:"role"`
	Precondition string `json:"precondition,omitempty"`
}

// AllowedTransitions returns the outgoing edges of a state with their
// role/precondition metadata.
func AllowedTransitions(from State) []EdgeInfo {
	out := make([]EdgeInfo, 0, 4)
	for _, e := range transitionTable {
		if e.From != from {
			continue
		}
		info := EdgeInfo{To: e.To, Role: e.Role}
		if e.Precondition != nil {
			info.Precondition = e.Precondition.Description()
		}
		out = append(out, info)
	}
	return out
}
