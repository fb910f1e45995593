package events

type (
	// RunStart is the payload of a TypeRunStart event.
	RunStart struct {
		// Turn is the 1-based turn the run belongs to.
		Turn int `json:"turn"`
		// Scenario names the investigation scenario being run.
		Scenario string `json:"scenario"`
	}

	// StatusChange is the payload of a TypeStatusChange event. Status carries
	// the session status being entered, or the advisory "cancelling" notice.
	StatusChange struct {
		Status string `json:"status"`
	}

	// UserMessage is the payload of a TypeUserMessage event.
	UserMessage struct {
		Text string `json:"text"`
		Turn int    `json:"turn"`
	}

	// StepStart is the payload of a TypeStepStart event.
	StepStart struct {
		// Step is the 1-based position of the step within the turn.
		Step int `json:"step"`
		// Backend names the downstream backend the step queries.
		Backend string `json:"backend"`
		// Query is the rendered query sent to the backend.
		Query string `json:"query"`
	}

	// StepComplete is the payload of a TypeStepComplete event.
	StepComplete struct {
		Step    int    `json:"step"`
		Backend string `json:"backend"`
		// Summary is a short description of the step outcome.
		Summary string `json:"summary"`
		// Rows is the number of result rows the backend returned.
		Rows int `json:"rows"`
	}

	// MessageDelta is the payload of a TypeMessageDelta event.
	MessageDelta struct {
		Text string `json:"text"`
	}

	// ErrorInfo is the payload of a TypeError event.
	ErrorInfo struct {
		Message string `json:"message"`
	}
)

// StatusCancelling is the advisory status pushed to subscribers the moment
// cancellation is requested, before the execution unit reaches a checkpoint.
const StatusCancelling = "cancelling"
