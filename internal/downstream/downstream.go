// Package downstream holds the consumers fed by the apply layer: the
// notification writer, the audit logger and the recurring-task scheduler.
// Each is registered under a stable name that namespaces its dedup markers,
// and each keys its own effects idempotently on the event id.
package downstream

import (
	"taskpipe/internal/apply"
	"taskpipe/internal/infrastructure/postgres"
)

// classify maps a storage error onto the apply taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if postgres.Retryable(err) {
		return apply.Transient(err)
	}
	return apply.Permanent(err)
}
