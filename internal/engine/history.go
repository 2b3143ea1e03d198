package engine

import "github.com/petrijr/reelflow/pkg/api"

// openWork is the work a history has scheduled but not yet seen resolved,
// keyed by task ID. The values are the scheduling events.
type openWork struct {
	activities map[int]api.HistoryEvent
	timers     map[int]api.HistoryEvent
	children   map[int]api.HistoryEvent
}

func scanHistory(hist []api.HistoryEvent) openWork {
	w := openWork{
		activities: make(map[int]api.HistoryEvent),
		timers:     make(map[int]api.HistoryEvent),
		children:   make(map[int]api.HistoryEvent),
	}
	for _, ev := range hist {
		switch ev.Type {
		case api.EventTaskScheduled:
			w.activities[ev.TaskID] = ev
		case api.EventTaskCompleted, api.EventTaskFailed:
			delete(w.activities, ev.TaskID)
		case api.EventTimerCreated:
			w.timers[ev.TaskID] = ev
		case api.EventTimerFired, api.EventTimerCancelled:
			delete(w.timers, ev.TaskID)
		case api.EventSubOrchestrationScheduled:
			w.children[ev.TaskID] = ev
		case api.EventSubOrchestrationCompleted, api.EventSubOrchestrationFailed:
			delete(w.children, ev.TaskID)
		}
	}
	return w
}

// accepts reports whether ev resolves work that is still open.
func (w openWork) accepts(ev api.HistoryEvent) bool {
	switch ev.Type {
	case api.EventTaskCompleted, api.EventTaskFailed:
		_, ok := w.activities[ev.TaskID]
		return ok
	case api.EventTimerFired:
		_, ok := w.timers[ev.TaskID]
		return ok
	case api.EventSubOrchestrationCompleted, api.EventSubOrchestrationFailed:
		sched, ok := w.children[ev.TaskID]
		return ok && sched.InstanceID == ev.InstanceID
	}
	return true
}
