package mesh

import (
	"fmt"
	"sort"
	"strings"
)

// ExhaustedError is the terminal dispatch failure: every eligible node was
// tried (or none were eligible) and the request could not be served. It
// carries the per-node failure reasons for diagnosis.
type ExhaustedError struct {
	Reasons map[string]string
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if len(e.Reasons) == 0 {
		return "all nodes exhausted: no eligible nodes"
	}

	ids := make([]string, 0, len(e.Reasons))
	for id := range e.Reasons {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %s", id, e.Reasons[id]))
	}
	return "all nodes exhausted: " + strings.Join(parts, "; ")
}

// emptyResponseError marks a stream that completed without yielding any
// content. It is a distinct outcome kind: it feeds health scoring and causes
// escalation, but is never retried on the same node and never charged twice
// against the retry budget.
type emptyResponseError struct {
	node string
}

func (e *emptyResponseError) Error() string {
	return fmt.Sprintf("%s: backend returned an empty response", e.node)
}
