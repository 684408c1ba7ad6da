package kprocessor

import (
	"fmt"

	"github.com/birdayz/kflow/krecordstore"
	"github.com/birdayz/kflow/ktypes"
)

// Filter creates a processor that only forwards records matching the
// predicate. An update whose old and new images disagree on the predicate
// turns into a delete or an insert.
//
// Example:
//
//	dag.AddProcessor(ktypes.NodeHandle{Namespace: 1, ID: "paid"},
//	    kprocessor.Filter(func(r ktypes.Record) bool {
//	        status, _ := r.Values[2].AsString()
//	        return status == "paid"
//	    }),
//	)
func Filter(predicate func(ktypes.Record) bool) ProcessorFactory {
	return &funcFactory{
		schema: func(in ktypes.Schema) (ktypes.Schema, error) { return in, nil },
		build: func(store *krecordstore.Store) ProcessFunc {
			return func(_ PortHandle, op krecordstore.Operation, fw Forwarder) error {
				keep := func(r krecordstore.ProcessorRecord) bool {
					return predicate(store.LoadRecord(r))
				}
				switch op.Kind {
				case ktypes.OpInsert:
					if keep(op.New) {
						fw.Send(op, DefaultPortHandle)
					}
				case ktypes.OpDelete:
					if keep(op.Old) {
						fw.Send(op, DefaultPortHandle)
					}
				case ktypes.OpUpdate:
					oldOK, newOK := keep(op.Old), keep(op.New)
					switch {
					case oldOK && newOK:
						fw.Send(op, DefaultPortHandle)
					case oldOK:
						fw.Send(krecordstore.Delete(op.Old), DefaultPortHandle)
					case newOK:
						fw.Send(krecordstore.Insert(op.New), DefaultPortHandle)
					}
				}
				return nil
			}
		},
	}
}

// Map creates a processor that transforms every record image with mapFunc.
// schemaFunc derives the output schema from the input schema.
//
// Example:
//
//	kprocessor.Map(
//	    func(s ktypes.Schema) (ktypes.Schema, error) { return s, nil },
//	    func(r ktypes.Record) (ktypes.Record, error) { return r, nil },
//	)
func Map(schemaFunc func(ktypes.Schema) (ktypes.Schema, error), mapFunc func(ktypes.Record) (ktypes.Record, error)) ProcessorFactory {
	return &funcFactory{
		schema: schemaFunc,
		build: func(store *krecordstore.Store) ProcessFunc {
			mapRecord := func(r krecordstore.ProcessorRecord) (krecordstore.ProcessorRecord, error) {
				out, err := mapFunc(store.LoadRecord(r))
				if err != nil {
					return krecordstore.ProcessorRecord{}, err
				}
				return store.CreateRecord(out), nil
			}
			return func(_ PortHandle, op krecordstore.Operation, fw Forwarder) error {
				var (
					out krecordstore.Operation
					err error
				)
				out.Kind = op.Kind
				if op.Kind != ktypes.OpInsert {
					if out.Old, err = mapRecord(op.Old); err != nil {
						return err
					}
				}
				if op.Kind != ktypes.OpDelete {
					if out.New, err = mapRecord(op.New); err != nil {
						return err
					}
				}
				fw.Send(out, DefaultPortHandle)
				return nil
			}
		},
	}
}

// funcFactory backs the single-input, stateless processors above.
type funcFactory struct {
	schema func(ktypes.Schema) (ktypes.Schema, error)
	build  func(store *krecordstore.Store) ProcessFunc
}

func (f *funcFactory) InputPorts() []PortHandle {
	return []PortHandle{DefaultPortHandle}
}

func (f *funcFactory) OutputPorts() []OutputPortDef {
	return []OutputPortDef{NewOutputPortDef(DefaultPortHandle, Stateless)}
}

func (f *funcFactory) OutputSchema(port PortHandle, inputSchemas map[PortHandle]ktypes.Schema) (ktypes.Schema, error) {
	in, ok := inputSchemas[DefaultPortHandle]
	if !ok {
		return ktypes.Schema{}, fmt.Errorf("no input schema for port %s", DefaultPortHandle)
	}
	return f.schema(in)
}

func (f *funcFactory) Build(ctx ProcessorBuildContext) (Processor, error) {
	return &funcProcessor{process: f.build(ctx.Store)}, nil
}

type funcProcessor struct {
	process ProcessFunc
}

func (p *funcProcessor) Process(fromPort PortHandle, op krecordstore.Operation, fw Forwarder) error {
	return p.process(fromPort, op, fw)
}

func (p *funcProcessor) Commit(Epoch) error {
	return nil
}

func (p *funcProcessor) Serialize(*krecordstore.Store) ([]byte, error) {
	return nil, nil
}
