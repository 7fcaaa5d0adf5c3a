package events

import "context"

// Service is what other domains depend on to record and fan out course
// events: it appends to the durable log and publishes to live SSE
// subscribers in the same call.
type Service struct {
	repo *Repository
	bus  *Bus
}

// NewService creates an events Service.
func NewService(repo *Repository, bus *Bus) *Service {
	return &Service{repo: repo, bus: bus}
}

// Emit appends courseID's event and publishes it to any live subscribers.
// Best-effort: failures are logged, never returned, per the event store's
// fire-and-forget contract.
func (s *Service) Emit(ctx context.Context, courseID, eventType string, payload map[string]any) {
	ev, err := s.repo.Append(ctx, courseID, eventType, payload)
	if err != nil {
		s.repo.log.Error("emit_course_event failed", "course_id", courseID, "event_type", eventType, "error", err)
		return
	}
	s.bus.Publish("course:"+courseID, ev.ToFrame())
}

// Repository exposes the underlying read-side repository for handlers and
// other domains that need List/Timeline/LatestPerCourse.
func (s *Service) Repository() *Repository {
	return s.repo
}
