package runner

import "sync/atomic"

// RunContext is threaded explicitly through every call from the request
// handler down through tool execution, replacing the source's process-wide
// context variables (§9 Design Notes). The sequence counter is a per-course
// atomic integer owned by the RunContext instance; there is no reset step —
// a fresh RunContext is created per course invocation and discarded after.
type RunContext struct {
	CourseID string
	OwnerID  string
	seq      int64
}

// NewRunContext creates a RunContext for a single course invocation.
func NewRunContext(courseID, ownerID string) *RunContext {
	return &RunContext{CourseID: courseID, OwnerID: ownerID}
}

// NextSeq returns the next monotonically increasing sequence number for this
// run.
func (r *RunContext) NextSeq() int64 {
	return atomic.AddInt64(&r.seq, 1)
}
