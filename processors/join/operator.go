package join

import (
	"errors"
	"fmt"
	"time"

	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

// ErrJoin is returned for join definitions that do not fit their inputs.
var ErrJoin = errors.New("join")

type JoinType uint8

const (
	Inner JoinType = iota
	LeftOuter
	RightOuter
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left_outer"
	case RightOuter:
		return "right_outer"
	default:
		return "unknown"
	}
}

type JoinBranch uint8

const (
	Left JoinBranch = iota
	Right
)

func (b JoinBranch) String() string {
	if b == Left {
		return "left"
	}
	return "right"
}

// JoinAction is one derived change: an insert or a delete of a joined
// record.
type JoinAction struct {
	Kind   ktypes.OpKind
	Record krecordstore.ProcessorRecord
}

// Op converts the action into an operation for the forwarder.
func (a JoinAction) Op() krecordstore.Operation {
	if a.Kind == ktypes.OpDelete {
		return krecordstore.Delete(a.Record)
	}
	return krecordstore.Insert(a.Record)
}

// JoinOperator maintains one table per branch and turns every change on a
// branch into the changes of the join result.
type JoinOperator struct {
	typ   JoinType
	left  *JoinTable
	right *JoinTable
}

// NewJoinOperator creates an operator. checkpoint is the output of a
// previous Serialize, or nil. Its refs must already be in store.
func NewJoinOperator(
	typ JoinType,
	leftKeys, rightKeys []int,
	leftSchema, rightSchema ktypes.Schema,
	store *krecordstore.Store,
	checkpoint []byte,
) (*JoinOperator, error) {
	if err := validateKeys(leftKeys, rightKeys, leftSchema, rightSchema); err != nil {
		return nil, err
	}

	o := &JoinOperator{
		typ:   typ,
		left:  NewJoinTable(leftSchema, leftKeys, store),
		right: NewJoinTable(rightSchema, rightKeys, store),
	}
	if checkpoint != nil {
		n, err := o.left.consumeFrom(checkpoint, store)
		if err != nil {
			return nil, fmt.Errorf("restore left table: %w", err)
		}
		m, err := o.right.consumeFrom(checkpoint[n:], store)
		if err != nil {
			return nil, fmt.Errorf("restore right table: %w", err)
		}
		if n+m != len(checkpoint) {
			return nil, fmt.Errorf("restore join: %d trailing bytes", len(checkpoint)-n-m)
		}
	}
	return o, nil
}

func validateKeys(leftKeys, rightKeys []int, leftSchema, rightSchema ktypes.Schema) error {
	if len(leftKeys) == 0 || len(leftKeys) != len(rightKeys) {
		return fmt.Errorf("%w: need the same non-zero number of keys on both sides, got %d and %d", ErrJoin, len(leftKeys), len(rightKeys))
	}
	for _, k := range leftKeys {
		if k < 0 || k >= len(leftSchema.Fields) {
			return fmt.Errorf("%w: left key index %d out of range for %d fields", ErrJoin, k, len(leftSchema.Fields))
		}
	}
	for _, k := range rightKeys {
		if k < 0 || k >= len(rightSchema.Fields) {
			return fmt.Errorf("%w: right key index %d out of range for %d fields", ErrJoin, k, len(rightSchema.Fields))
		}
	}
	return nil
}

func (o *JoinOperator) LeftLookupSize() int  { return o.left.Len() }
func (o *JoinOperator) RightLookupSize() int { return o.right.Len() }

func (o *JoinOperator) tables(branch JoinBranch) (own, other *JoinTable) {
	if branch == Left {
		return o.left, o.right
	}
	return o.right, o.left
}

// Insert adds r to branch and returns the resulting changes.
func (o *JoinOperator) Insert(branch JoinBranch, r krecordstore.ProcessorRecord) []JoinAction {
	own, _ := o.tables(branch)
	jk := own.Insert(r)
	return o.join(ktypes.OpInsert, jk, r, branch)
}

// Delete removes the record with r's primary key from branch and returns the
// resulting changes. Deleting a record that is not live yields nothing.
func (o *JoinOperator) Delete(branch JoinBranch, r krecordstore.ProcessorRecord) []JoinAction {
	own, _ := o.tables(branch)
	jk, removed, ok := own.Remove(r)
	if !ok {
		return nil
	}
	return o.join(ktypes.OpDelete, jk, removed, branch)
}

// Update is a delete of old followed by an insert of r.
func (o *JoinOperator) Update(branch JoinBranch, old, r krecordstore.ProcessorRecord) []JoinAction {
	actions := o.Delete(branch, old)
	return append(actions, o.Insert(branch, r)...)
}

// EvictIndex drops expired records from both tables.
func (o *JoinOperator) EvictIndex(now time.Time) int {
	return o.left.EvictIndex(now) + o.right.EvictIndex(now)
}

func (o *JoinOperator) join(kind ktypes.OpKind, jk string, r krecordstore.ProcessorRecord, branch JoinBranch) []JoinAction {
	switch {
	case o.typ == Inner:
		return o.innerJoin(kind, jk, r, branch, false)
	case o.typ == LeftOuter && branch == Left, o.typ == RightOuter && branch == Right:
		return o.innerJoin(kind, jk, r, branch, true)
	default:
		return o.outerJoin(kind, jk, r, branch)
	}
}

// innerJoin pairs r with every match on the other branch. With
// defaultIfNoMatch, r is paired with the other branch's NULL record when
// there are no matches.
func (o *JoinOperator) innerJoin(kind ktypes.OpKind, jk string, r krecordstore.ProcessorRecord, branch JoinBranch, defaultIfNoMatch bool) []JoinAction {
	_, other := o.tables(branch)
	matches := other.Matches(jk)
	if len(matches) == 0 && defaultIfNoMatch {
		matches = []krecordstore.ProcessorRecord{other.DefaultRecord()}
	}
	actions := make([]JoinAction, 0, len(matches))
	for _, m := range matches {
		actions = append(actions, JoinAction{Kind: kind, Record: joinRecords(r, branch, m)})
	}
	return actions
}

// outerJoin handles changes on the branch whose partner rows are preserved.
// Each partner row is joined with this branch's NULL record while the join
// key has no live record here. The first insert under a key retracts those
// padded rows. The last delete puts them back.
func (o *JoinOperator) outerJoin(kind ktypes.OpKind, jk string, r krecordstore.ProcessorRecord, branch JoinBranch) []JoinAction {
	own, other := o.tables(branch)

	// r is already applied to own.
	var churn bool
	if kind == ktypes.OpInsert {
		churn = own.Count(jk) == 1
	} else {
		churn = own.Count(jk) == 0
	}

	matches := other.Matches(jk)
	actions := make([]JoinAction, 0, 2*len(matches))
	for _, m := range matches {
		joined := joinRecords(r, branch, m)
		if !churn {
			actions = append(actions, JoinAction{Kind: kind, Record: joined})
			continue
		}
		padded := joinRecords(own.DefaultRecord(), branch, m)
		if kind == ktypes.OpInsert {
			actions = append(actions,
				JoinAction{Kind: ktypes.OpDelete, Record: padded},
				JoinAction{Kind: ktypes.OpInsert, Record: joined},
			)
		} else {
			actions = append(actions,
				JoinAction{Kind: ktypes.OpDelete, Record: joined},
				JoinAction{Kind: ktypes.OpInsert, Record: padded},
			)
		}
	}
	return actions
}

// joinRecords builds the output record: left fields, then right fields. It
// carries the input lifetime with the later reference.
func joinRecords(r krecordstore.ProcessorRecord, branch JoinBranch, match krecordstore.ProcessorRecord) krecordstore.ProcessorRecord {
	left, right := r, match
	if branch == Right {
		left, right = match, r
	}
	out := krecordstore.ProcessorRecord{Refs: make([]*krecordstore.RecordRef, 0, len(left.Refs)+len(right.Refs))}
	out.Extend(left)
	out.Extend(right)
	out.Lifetime = ktypes.Later(r.Lifetime, match.Lifetime)
	return out
}

// Serialize encodes both tables as ref indexes of store.
func (o *JoinOperator) Serialize(store *krecordstore.Store) ([]byte, error) {
	b, err := o.left.appendTo(nil, store)
	if err != nil {
		return nil, err
	}
	return o.right.appendTo(b, store)
}
