package ktypes

// OpKind is the kind of change an Operation describes.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation is the unit of incremental change. Insert uses New, Delete uses
// Old, Update uses both.
type Operation struct {
	Kind OpKind
	Old  Record
	New  Record
}

func Insert(r Record) Operation { return Operation{Kind: OpInsert, New: r} }

func Delete(r Record) Operation { return Operation{Kind: OpDelete, Old: r} }

func Update(old, r Record) Operation { return Operation{Kind: OpUpdate, Old: old, New: r} }

// Equal compares kind and the records relevant to it.
func (o Operation) Equal(other Operation) bool {
	if o.Kind != other.Kind {
		return false
	}
	switch o.Kind {
	case OpInsert:
		return o.New.Equal(other.New)
	case OpDelete:
		return o.Old.Equal(other.Old)
	default:
		return o.Old.Equal(other.Old) && o.New.Equal(other.New)
	}
}

func (o Operation) String() string {
	switch o.Kind {
	case OpInsert:
		return "insert" + o.New.String()
	case OpDelete:
		return "delete" + o.Old.String()
	default:
		return "update" + o.Old.String() + "->" + o.New.String()
	}
}
