package conversation

import "fmt"

type Stage string

const (
	StageIngestion  Stage = "ingestion"
	StageRetrieval  Stage = "retrieval"
	StageGeneration Stage = "generation"
)

// StageError tells the caller which step of answering failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
