// Package limits implements per-task resource budgets: file/test/time
// ceilings and parallel-agent caps. Every consultation is fail-closed — an
// operation that would exceed a budget is denied, not warned about, the
// same way pkg/config's validator rejects out-of-range values outright
// rather than clamping silently.
package limits

import "fmt"

// Violation describes which budget was exceeded and by how much.
type Violation struct {
	Resource string `json:"resource"`
	Limit    int    `json:"limit"`
	Attempt  int    `json:"attempt"`
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return fmt.Sprintf("limit violation: %s limit %d exceeded by attempted %d", v.Resource, v.Limit, v.Attempt)
}
