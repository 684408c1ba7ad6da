package kprocessor

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/birdayz/kflow/krecordstore"
)

// ProcessFunc is the signature of Processor.Process.
type ProcessFunc func(fromPort PortHandle, op krecordstore.Operation, fw Forwarder) error

// ProcessorInterceptor wraps processor execution with custom logic.
// Signature matches gRPC's interceptor pattern: (req, handler) -> error
type ProcessorInterceptor func(fromPort PortHandle, op krecordstore.Operation, fw Forwarder, next ProcessFunc) error

// InterceptorChain manages multiple interceptors in execution order
type InterceptorChain struct {
	interceptors []ProcessorInterceptor
}

// ChainInterceptors creates a new interceptor chain
func ChainInterceptors(interceptors ...ProcessorInterceptor) *InterceptorChain {
	return &InterceptorChain{
		interceptors: interceptors,
	}
}

// Len returns the number of interceptors in the chain.
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute runs the interceptor chain followed by the final handler.
// Interceptors execute outer-to-inner (first interceptor wraps all others).
func (c *InterceptorChain) Execute(fromPort PortHandle, op krecordstore.Operation, fw Forwarder, final ProcessFunc) error {
	if len(c.interceptors) == 0 {
		return final(fromPort, op, fw)
	}

	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(fromPort PortHandle, op krecordstore.Operation, fw Forwarder) error {
			return interceptor(fromPort, op, fw, next)
		}
	}

	return handler(fromPort, op, fw)
}

// WithInterceptors wraps a processor so that Process runs through the chain.
func WithInterceptors(p Processor, interceptors ...ProcessorInterceptor) Processor {
	if len(interceptors) == 0 {
		return p
	}
	return &interceptedProcessor{
		Processor: p,
		chain:     ChainInterceptors(interceptors...),
	}
}

type interceptedProcessor struct {
	Processor
	chain *InterceptorChain
}

func (p *interceptedProcessor) Process(fromPort PortHandle, op krecordstore.Operation, fw Forwarder) error {
	return p.chain.Execute(fromPort, op, fw, p.Processor.Process)
}

// Punctuate keeps optional punctuation visible through the wrapper.
func (p *interceptedProcessor) Punctuate(now time.Time, fw Forwarder) error {
	if pu, ok := p.Processor.(Punctuator); ok {
		return pu.Punctuate(now, fw)
	}
	return nil
}

// LoggingInterceptor logs every operation at debug level.
func LoggingInterceptor(logger *slog.Logger) ProcessorInterceptor {
	return func(fromPort PortHandle, op krecordstore.Operation, fw Forwarder, next ProcessFunc) error {
		logger.Debug("Processing operation", "port", fromPort, "kind", op.Kind)

		err := next(fromPort, op, fw)
		if err != nil {
			logger.Warn("Processing failed", "port", fromPort, "kind", op.Kind, "error", err)
		}
		return err
	}
}

// MetricsInterceptor tracks processing time and counts
func MetricsInterceptor(processed *atomic.Int64, processingTime *atomic.Int64) ProcessorInterceptor {
	return func(fromPort PortHandle, op krecordstore.Operation, fw Forwarder, next ProcessFunc) error {
		start := time.Now()
		err := next(fromPort, op, fw)

		processed.Add(1)
		processingTime.Add(int64(time.Since(start)))
		return err
	}
}
