// Package events stores job lifecycle and progress events in a durable
// outbox for external observers to drain.
package events

// Job lifecycle event types.
const (
	EventJobCreated   = "job.created"
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"

	// EventReconciliationRequired flags an admission whose compensation
	// failed and needs manual ledger repair.
	EventReconciliationRequired = "credits.reconciliation_required"
)

// ProgressPayload describes how far a job has advanced.
type ProgressPayload struct {
	JobID   string `json:"job_id"`
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p ProgressPayload) ToMap() map[string]any {
	payload := map[string]any{
		"job_id":  p.JobID,
		"stage":   p.Stage,
		"percent": p.Percent,
	}
	if p.Message != "" {
		payload["message"] = p.Message
	}
	return payload
}

// ReconciliationPayload carries everything an operator needs to repair
// the ledger by hand.
type ReconciliationPayload struct {
	OrgID              string `json:"org_id"`
	Amount             string `json:"amount"`
	DebitTransactionID string `json:"debit_transaction_id"`
	Detail             string `json:"detail"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p ReconciliationPayload) ToMap() map[string]any {
	return map[string]any{
		"org_id":               p.OrgID,
		"amount":               p.Amount,
		"debit_transaction_id": p.DebitTransactionID,
		"detail":               p.Detail,
	}
}
