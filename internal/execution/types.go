package execution

import (
	"errors"
	"fmt"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

var (
	ErrEpochMismatch       = errors.New("commit epochs of inputs do not match")
	ErrEpochNotIncreasing  = errors.New("commit epoch is not greater than the previous one")
	ErrChannelDisconnected = errors.New("input channel disconnected")
	ErrSourcePanic         = errors.New("source panicked")
	ErrThresholdExceeded   = errors.New("error threshold exceeded")
)

// OpKind is the kind of an ExecutorOperation.
type OpKind uint8

const (
	KindOp OpKind = iota
	KindCommit
	KindTerminate
	KindSnapshottingStarted
	KindSnapshottingDone
)

func (k OpKind) String() string {
	switch k {
	case KindOp:
		return "op"
	case KindCommit:
		return "commit"
	case KindTerminate:
		return "terminate"
	case KindSnapshottingStarted:
		return "snapshotting_started"
	case KindSnapshottingDone:
		return "snapshotting_done"
	default:
		return "unknown"
	}
}

// ExecutorOperation is what travels along an edge.
type ExecutorOperation struct {
	Kind OpKind

	// Op is set for KindOp.
	Op krecordstore.Operation

	// Epoch is set for KindCommit.
	Epoch kprocessor.Epoch

	// Connection and ID are set for the snapshotting markers.
	Connection string
	ID         *ktypes.OpIdentifier
}

func OpMessage(op krecordstore.Operation) ExecutorOperation {
	return ExecutorOperation{Kind: KindOp, Op: op}
}

func CommitMessage(epoch kprocessor.Epoch) ExecutorOperation {
	return ExecutorOperation{Kind: KindCommit, Epoch: epoch}
}

func TerminateMessage() ExecutorOperation {
	return ExecutorOperation{Kind: KindTerminate}
}

// ProcessingStage indicates where in the pipeline an error occurred
type ProcessingStage string

const (
	StageSource     ProcessingStage = "source"
	StageProcessing ProcessingStage = "processing"
	StageForward    ProcessingStage = "forward"
	StageSink       ProcessingStage = "sink"
	StageCommit     ProcessingStage = "commit"
	StagePunctuate  ProcessingStage = "punctuate"
)

// ProcessingError wraps an error with the node and stage it occurred in.
type ProcessingError struct {
	Cause error
	Stage ProcessingStage
	Node  ktypes.NodeHandle
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s error in node %s: %v", e.Stage, e.Node, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func NewProcessingError(cause error, stage ProcessingStage, node ktypes.NodeHandle) *ProcessingError {
	return &ProcessingError{Cause: cause, Stage: stage, Node: node}
}
