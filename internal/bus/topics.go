package bus

// Work item topics.
const (
	// TopicWorkCompleted is published on every terminal transition. The
	// payload is a WorkResolvedEvent. Awaiting parents subscribe here.
	TopicWorkCompleted = "work.completed"
	// TopicWorkStateChanged is published on every state transition.
	TopicWorkStateChanged = "work.state_changed"
)

// Queue topics. The per-faculty ready topic is TopicQueueReady + faculty
// name; the control plane subscribes to the TopicQueueReady prefix.
const (
	TopicQueueReady = "queue.ready."
)

// Focus topics.
const (
	TopicFocusStarted  = "focus.started"
	TopicFocusFinished = "focus.finished"
)

// WorkResolvedEvent is the payload for TopicWorkCompleted.
type WorkResolvedEvent struct {
	WorkItemID string
	State      string
}

// WorkStateChangedEvent is the payload for TopicWorkStateChanged.
type WorkStateChangedEvent struct {
	WorkItemID string
	From       string
	To         string
}

// QueueReadyEvent is the payload for TopicQueueReady topics.
type QueueReadyEvent struct {
	Faculty string
}

// QueueReadyTopic builds the ready topic for a faculty queue.
func QueueReadyTopic(faculty string) string {
	return TopicQueueReady + faculty
}
