package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/forged/internal/workflow"
)

// StageError carries the stage a pipeline failure happened in, so the
// failure metadata written to the job names the right stage even after
// the job's own stage field moves on.
type StageError struct {
	Stage workflow.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage workflow.Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
