package events

// DeriveTimeline scans a course's ordered events once, annotating each with
// its millisecond offset from the earliest and deriving the phase summary.
// Missing phases yield nil durations.
func DeriveTimeline(evs []*Event) *Timeline {
	if len(evs) == 0 {
		return &Timeline{Events: []TimelineEvent{}}
	}

	base := evs[0].CreatedAt
	timelineEvents := make([]TimelineEvent, 0, len(evs))

	var conciergeStarted, commisSpawned, commisComplete *Event
	var firstToolStarted, lastToolEnded *Event

	for _, ev := range evs {
		timelineEvents = append(timelineEvents, TimelineEvent{
			Event:    *ev,
			OffsetMs: ev.CreatedAt.Sub(base).Milliseconds(),
		})

		switch ev.EventType {
		case TypeConciergeStarted:
			if conciergeStarted == nil {
				conciergeStarted = ev
			}
		case TypeCommisSpawned:
			if commisSpawned == nil {
				commisSpawned = ev
			}
		case TypeCommisComplete:
			commisComplete = ev
		case TypeToolStarted:
			if firstToolStarted == nil {
				firstToolStarted = ev
			}
		case TypeToolCompleted, TypeToolFailed:
			lastToolEnded = ev
		}
	}

	summary := TimelineSummary{}
	if conciergeStarted != nil && commisSpawned != nil {
		ms := commisSpawned.CreatedAt.Sub(conciergeStarted.CreatedAt).Milliseconds()
		summary.ConciergeThinkingMs = &ms
	}
	if commisSpawned != nil && commisComplete != nil {
		ms := commisComplete.CreatedAt.Sub(commisSpawned.CreatedAt).Milliseconds()
		summary.CommisExecutionMs = &ms
	}
	if firstToolStarted != nil && lastToolEnded != nil {
		ms := lastToolEnded.CreatedAt.Sub(firstToolStarted.CreatedAt).Milliseconds()
		summary.ToolExecutionMs = &ms
	}

	return &Timeline{Events: timelineEvents, Summary: summary}
}
