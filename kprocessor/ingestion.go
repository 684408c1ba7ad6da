package kprocessor

import (
	"context"

	"github.com/birdayz/kflow/ktypes"
)

// IngestionMessage is what a source hands to the executor: either an
// OperationEvent or a TransactionInfo.
type IngestionMessage interface {
	isIngestionMessage()
}

// OperationEvent carries one change. ID is the durable position of the
// change inside the source, if the source has one.
type OperationEvent struct {
	TableIndex int
	Op         ktypes.Operation
	ID         *ktypes.OpIdentifier
}

// TransactionKind is the kind of a TransactionInfo.
type TransactionKind uint8

const (
	SnapshottingStarted TransactionKind = iota
	SnapshottingDone
	Commit
)

func (k TransactionKind) String() string {
	switch k {
	case SnapshottingStarted:
		return "SnapshottingStarted"
	case SnapshottingDone:
		return "SnapshottingDone"
	case Commit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// TransactionInfo marks transaction and snapshot boundaries.
type TransactionInfo struct {
	Kind TransactionKind
	ID   *ktypes.OpIdentifier
}

func (OperationEvent) isIngestionMessage()  {}
func (TransactionInfo) isIngestionMessage() {}

// CommitAt returns a commit marker. A nil id makes the source
// non-restartable at this commit.
func CommitAt(id *ktypes.OpIdentifier) TransactionInfo {
	return TransactionInfo{Kind: Commit, ID: id}
}

// SourceSender delivers messages from a source to the executor.
type SourceSender interface {
	// Send blocks while downstream channels are full. It returns ctx.Err()
	// once ctx is done, and ErrStopped after the executor stopped
	// accepting input.
	Send(ctx context.Context, port PortHandle, msg IngestionMessage) error
}
