package execution

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/birdayz/kflow/kprocessor"
	"github.com/birdayz/kflow/ktypes"
)

// input is one incoming edge of a node.
type input struct {
	port kprocessor.PortHandle
	from ktypes.NodeHandle
	ch   <-chan ExecutorOperation
}

// receiver is implemented by processor and sink nodes.
type receiver interface {
	onOp(ctx context.Context, port kprocessor.PortHandle, op ExecutorOperation) error
	onCommit(ctx context.Context, epoch kprocessor.Epoch) error
	onTerminate(ctx context.Context) error
	onPoll(ctx context.Context, now time.Time) error
	onSnapshottingStarted(ctx context.Context, connection string) error
	onSnapshottingDone(ctx context.Context, connection string, id *ktypes.OpIdentifier) error
}

// receiverLoop multiplexes the inputs of a node until every input has
// terminated.
//
// A commit pauses its input until every input that has not terminated
// delivered a commit for the same epoch; then onCommit runs once. poll
// fires whenever no message arrived for pollTimeout.
func receiverLoop(ctx context.Context, node ktypes.NodeHandle, inputs []input, pollTimeout time.Duration, r receiver) error {
	var (
		commits    = make([]*kprocessor.Epoch, len(inputs))
		terminated = make([]bool, len(inputs))
		lastEpoch  *uint64
	)

	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	ops := nodeOperations.MustCurryWith(map[string]string{"node": node.String()})

	// barrier runs onCommit if every live input delivered its commit.
	barrier := func() (bool, error) {
		var merged *kprocessor.Epoch
		for i, epoch := range commits {
			if terminated[i] {
				continue
			}
			if epoch == nil {
				return false, nil
			}
			if merged == nil {
				e := *epoch
				e.Details = epoch.Details.Clone()
				merged = &e
				continue
			}
			if epoch.ID != merged.ID {
				return false, fmt.Errorf("node %s: %w: %d from %s, %d from another input",
					node, ErrEpochMismatch, epoch.ID, inputs[i].from, merged.ID)
			}
			merged.Details.Extend(epoch.Details)
		}
		if merged == nil {
			return false, nil
		}
		if lastEpoch != nil && merged.ID <= *lastEpoch {
			return false, fmt.Errorf("node %s: %w: %d after %d", node, ErrEpochNotIncreasing, merged.ID, *lastEpoch)
		}
		id := merged.ID
		lastEpoch = &id
		clear(commits)
		return true, r.onCommit(ctx, *merged)
	}

	for {
		cases := make([]reflect.SelectCase, 0, len(inputs)+2)
		indexes := make([]int, 0, len(inputs))
		for i, in := range inputs {
			if terminated[i] || commits[i] != nil {
				continue
			}
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(in.ch)})
			indexes = append(indexes, i)
		}
		timerCase := len(cases)
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		)

		chosen, recv, ok := reflect.Select(cases)
		switch chosen {
		case timerCase:
			if err := r.onPoll(ctx, time.Now()); err != nil {
				return err
			}
			timer.Reset(pollTimeout)
			continue
		case timerCase + 1:
			return ctx.Err()
		}
		timer.Reset(pollTimeout)

		i := indexes[chosen]
		in := inputs[i]
		if !ok {
			return fmt.Errorf("node %s: %w: port %s from %s", node, ErrChannelDisconnected, in.port, in.from)
		}

		msg := recv.Interface().(ExecutorOperation)
		ops.WithLabelValues(msg.Kind.String()).Inc()

		var err error
		switch msg.Kind {
		case KindOp:
			err = r.onOp(ctx, in.port, msg)
		case KindCommit:
			epoch := msg.Epoch
			commits[i] = &epoch
			_, err = barrier()
		case KindTerminate:
			terminated[i] = true
			if _, err = barrier(); err != nil {
				return err
			}
			if allTrue(terminated) {
				return r.onTerminate(ctx)
			}
		case KindSnapshottingStarted:
			err = r.onSnapshottingStarted(ctx, msg.Connection)
		case KindSnapshottingDone:
			err = r.onSnapshottingDone(ctx, msg.Connection, msg.ID)
		}
		if err != nil {
			return err
		}
	}
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}
