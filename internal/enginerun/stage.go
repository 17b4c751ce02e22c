package enginerun

import "context"

// InputArtifact is one fetched task input, ready for the stage function to
// consume (spec §4.5 step 3).
type InputArtifact struct {
	Type     string
	URI      string
	Checksum *string
	Body     []byte
}

// WorkItem is everything a StageFunc needs to do its job, assembled by the
// Runner from the dequeued queue message plus fetched input bodies.
type WorkItem struct {
	TaskID     string
	JobID      string
	Stage      string
	EngineID   string
	Attempt    int
	Inputs     []InputArtifact
	Parameters map[string]interface{}
}

// StageOutput is one output artifact a StageFunc produces, before the
// Runner writes its body to object storage and turns it into a URI (spec
// §6.4's success outputs).
type StageOutput struct {
	Type        string
	Body        []byte
	Sensitivity string
	TTLSeconds  int
}

// StageResult is a StageFunc's successful return value.
type StageResult struct {
	Outputs []StageOutput
	Stats   map[string]interface{}
	// Skipped marks the task terminal-success but a no-op (spec §4.2's
	// audio_redact-with-no-PII case): the Runner completes the task as
	// TaskSkipped instead of TaskCompleted. Outputs is typically empty.
	Skipped bool
}

// StageFunc is the engine-specific work function (spec §4.5 step 4): a
// black box with a stable contract given the input artifacts and task
// parameters, return output bytes and a result manifest, or a typed error.
// Implementations must treat ctx as cooperative cancellation: check
// ctx.Err() at subphase boundaries and return promptly once it is non-nil
// so the Runner can publish task.cancelled instead of task.failed.
type StageFunc func(ctx context.Context, item WorkItem) (StageResult, error)
