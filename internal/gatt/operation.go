package gatt

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/srg/blesupport/internal/tracing"
)

// Kind identifies the operation type.
type Kind int

const (
	KindConnect Kind = iota
	KindDisconnect
	KindSetNotify
	KindReadCharacteristic
	KindWriteCharacteristic
	KindReadDescriptor
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindSetNotify:
		return "set_notify"
	case KindReadCharacteristic:
		return "read_characteristic"
	case KindWriteCharacteristic:
		return "write_characteristic"
	case KindReadDescriptor:
		return "read_descriptor"
	}
	return "unknown"
}

// Cancelled is the failure delivered to operations dropped by a cancel-all disconnect.
const Cancelled = "Cancelled"

// Operation is one unit of serialized GATT work. Only this package implements it.
type Operation interface {
	ID() string
	Kind() Kind
	Name() string
	Address() string
	Started() bool
	Finished() bool

	// start runs the request; it may finish the operation synchronously.
	start(env *env)
	// cancel finishes a not-yet-finished operation with Cancelled.
	cancel() bool
	// fail finishes the operation with msg.
	fail(msg string) bool
	// bind installs the hook run after a normal finish.
	bind(ended func(Operation))
}

// env is what an operation needs to issue its request.
type env struct {
	stack    Stack
	callback Callback
	sessions *sessions
	devices  DeviceSource
	logger   *logrus.Logger
}

// op carries the lifecycle shared by every operation kind.
type op[T any] struct {
	id      string
	kind    Kind
	name    string
	address string

	started  atomic.Bool
	finished atomic.Bool
	done     chan Result[T]

	// ended is the scheduler's hook, run after a normal finish.
	ended  func(Operation)
	self   Operation
	span   trace.Span
	logger *logrus.Logger
}

func newOp[T any](kind Kind, name, address string, logger *logrus.Logger) op[T] {
	return op[T]{
		id:      uuid.NewString(),
		kind:    kind,
		name:    name,
		address: address,
		done:    make(chan Result[T], 1),
		logger:  logger,
	}
}

func (o *op[T]) ID() string      { return o.id }
func (o *op[T]) Kind() Kind      { return o.kind }
func (o *op[T]) Name() string    { return o.name }
func (o *op[T]) Address() string { return o.address }
func (o *op[T]) Started() bool   { return o.started.Load() }
func (o *op[T]) Finished() bool  { return o.finished.Load() }

// Done delivers the result exactly once.
func (o *op[T]) Done() <-chan Result[T] { return o.done }

func (o *op[T]) fields() logrus.Fields {
	return logrus.Fields{"operation": o.name, "op_id": o.id, "address": o.address}
}

// begin flips the one-shot started flag and opens the span. An operation that
// already finished is refused and hands its slot back to the scheduler.
func (o *op[T]) begin() bool {
	if o.finished.Load() {
		o.logger.WithFields(o.fields()).Warn("Operation already finished, skipping")
		if o.ended != nil {
			o.ended(o.self)
		}
		return false
	}
	if !o.started.CompareAndSwap(false, true) {
		o.logger.WithFields(o.fields()).Warn("Operation already started")
		return false
	}
	_, o.span = tracing.StartSpan(context.Background(), "gatt."+o.kind.String(),
		trace.WithAttributes(
			tracing.StringAttr("address", o.address),
			tracing.StringAttr("op_id", o.id),
		))
	return true
}

// finish delivers r once and tells the scheduler the slot is free.
func (o *op[T]) finish(r Result[T]) bool {
	if !o.finished.CompareAndSwap(false, true) {
		o.logger.WithFields(o.fields()).Warn("Operation already finished")
		return false
	}
	o.endSpan(r)
	o.done <- r
	if !r.OK() {
		o.logger.WithFields(o.fields()).WithField("error", r.Message()).Debug("Operation failed")
	}
	if o.ended != nil {
		o.ended(o.self)
	}
	return true
}

func (o *op[T]) cancel() bool {
	if !o.finished.CompareAndSwap(false, true) {
		o.logger.WithFields(o.fields()).Warn("Operation already finished")
		return false
	}
	r := Fail[T](Cancelled)
	o.endSpan(r)
	o.done <- r
	return true
}

func (o *op[T]) bind(ended func(Operation)) { o.ended = ended }

func (o *op[T]) fail(msg string) bool {
	return o.finish(Fail[T](msg))
}

func (o *op[T]) endSpan(r Result[T]) {
	if o.span == nil {
		return
	}
	if r.OK() {
		tracing.SetOK(o.span)
	} else {
		tracing.RecordError(o.span, r.failure)
	}
	o.span.End()
}
