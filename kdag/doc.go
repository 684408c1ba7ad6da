// Package kdag provides the Directed Acyclic Graph (DAG) of a dataflow.
//
// # Overview
//
// A Dag is an arena of nodes (sources, processors and sinks) connected by
// edges between ports. Every node is identified by a ktypes.NodeHandle and
// addressed inside the Dag by its NodeIndex.
//
// The package separates structure from schemas:
//
//  1. **Build Phase**: add nodes and connect ports, either directly on a Dag
//     or through an App made of shared sources and named pipelines.
//  2. **Schema Phase**: NewDagSchemas walks the nodes in topological order,
//     derives the schema of every output port and checks that every input
//     port is fed by exactly one edge.
//
// # Basic Usage
//
//	dag := kdag.NewDag()
//	src := dag.MustAddSource(ktypes.NodeHandle{ID: "users"}, usersSource)
//	filter := dag.MustAddProcessor(ktypes.NodeHandle{Namespace: 1, ID: "active"},
//	    kprocessor.Filter(isActive))
//	sink := dag.MustAddSink(ktypes.NodeHandle{Namespace: 1, ID: "out"}, sinkFactory)
//
//	dag.MustConnect(kdag.Endpoint{Node: src, Port: 0},
//	    kdag.Endpoint{Node: filter, Port: kprocessor.DefaultPortHandle})
//	dag.MustConnect(kdag.Endpoint{Node: filter, Port: kprocessor.DefaultPortHandle},
//	    kdag.Endpoint{Node: sink, Port: kprocessor.DefaultPortHandle})
//
//	schemas, err := kdag.NewDagSchemas(dag)
//
// # Apps and Pipelines
//
// An App resolves table names through an AppSourceManager. Sources are
// shared and live in namespace 0; pipeline i lives in namespace i+1, so two
// pipelines may reuse node names:
//
//	sources := kdag.NewAppSourceManager()
//	sources.Add(kdag.AppSource{Connection: "pg", Factory: f,
//	    Mappings: []kdag.AppSourceMapping{{Table: "users", Port: 0}}})
//
//	p := kdag.NewAppPipeline()
//	p.AddSink("out", sinkFactory, kdag.PipelineEntryPoint{
//	    Source: kdag.AppSourceID{Table: "users"},
//	    Port:   kprocessor.DefaultPortHandle,
//	})
//
//	app := kdag.NewApp(sources)
//	app.AddPipeline(p)
//	dag, err := app.IntoDag()
//
// # Validation
//
// Validate checks:
//
//   - **Cycle Detection**: DAGs cannot contain cycles (uses DFS, reports the path)
//   - **Orphan Detection**: All nodes must be reachable from a source
//   - **Size Limits**: Prevents pathological graphs (MaxNodesPerDAG, MaxDepth, etc.)
//
// Connect rejects edges out of sinks, into sources and between undeclared
// ports. NewDagSchemas reports missing and duplicate inputs as *PortError.
//
// All validation errors use sentinel errors (ErrCycleDetected,
// ErrMissingInput, etc.) that can be checked with errors.Is().
//
// # Thread Safety
//
// IMPORTANT: Dag is NOT safe for concurrent modification. A Dag wrapped in
// DagSchemas must not be modified anymore.
package kdag
