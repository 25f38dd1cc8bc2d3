// Package oplog keeps a bounded history of recent log entries so a remote
// peer can see what the host has been doing.
//
// A Hook attached to a logrus logger feeds a Collector, which moves records
// into an overlapped ring buffer: when the buffer is full the oldest record is
// overwritten. Consumers drain it with ConsumeRecords.
package oplog

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// Record is one captured log entry.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Metrics are lock-free collector counters.
type Metrics struct {
	RecordsProcessed   int64
	RecordsDropped     int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// Collector moves records from its input channel into the ring buffer.
// All methods are safe for concurrent use.
type Collector struct {
	input   chan Record
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	ready   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	onError func(error)

	processed   atomic.Int64
	dropped     atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
	state       atomic.Uint32
}

// NewCollector creates a collector holding up to bufferSize records. onError
// receives unexpected buffer errors; nil logs them to the standard logrus logger.
func NewCollector(bufferSize uint32, onError func(error)) (*Collector, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if onError == nil {
		onError = func(err error) {
			logrus.WithError(err).Error("Operation log collector failed")
		}
	}
	return &Collector{
		input:   make(chan Record, bufferSize),
		buffer:  mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		ready:   make(chan struct{}, 1),
		onError: onError,
	}, nil
}

// Start launches the collecting goroutine.
func (c *Collector) Start() error {
	if !c.state.CompareAndSwap(StateNotRunning, StateRunning) {
		switch st := c.state.Load(); st {
		case StateRunning:
			return fmt.Errorf("collector is already running")
		case StateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", st)
		}
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done

	go func() {
		defer func() {
			close(done)
			c.state.Store(StateNotRunning)
		}()
		for {
			select {
			case <-stop:
				return
			case rec := <-c.input:
				c.store(rec)
			}
		}
	}()
	return nil
}

func (c *Collector) store(rec Record) {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.errors.Add(1)
		c.onError(fmt.Errorf("unexpected buffer enqueue error: %w", err))
		return
	}
	c.overwritten.Add(int64(overwrites))
	c.processed.Add(1)
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Stop stops collecting. Records still in the input channel are kept there.
func (c *Collector) Stop() error {
	if !c.state.CompareAndSwap(StateRunning, StateStopping) {
		if c.state.Load() == StateNotRunning {
			return nil
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("stop completed but exceeded 5s timeout")
	}
}

// State is one of StateNotRunning, StateRunning, StateStopping.
func (c *Collector) State() uint32 {
	return c.state.Load()
}

// Ready is signalled after records were buffered.
func (c *Collector) Ready() <-chan struct{} {
	return c.ready
}

// Offer queues rec without blocking; a full input channel drops it.
func (c *Collector) Offer(rec Record) bool {
	select {
	case c.input <- rec:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Collector) Metrics() Metrics {
	return Metrics{
		RecordsProcessed:   c.processed.Load(),
		RecordsDropped:     c.dropped.Load(),
		RecordsOverwritten: c.overwritten.Load(),
		ErrorsOccurred:     c.errors.Load(),
	}
}

// ConsumerFunc receives each drained record, then nil once the buffer is
// empty. Returning a non-zero result stops the drain early.
type ConsumerFunc[T any] func(rec *Record) (T, error)

// ConsumeRecords drains the buffered records into consumer.
func ConsumeRecords[T any](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}
		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}
		if !isZeroValue(result) {
			return result, nil
		}
	}
	return consumer(nil)
}

func isZeroValue[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// Drain removes and returns every buffered record, oldest first.
func (c *Collector) Drain() ([]Record, error) {
	var out []Record
	return ConsumeRecords(c, func(rec *Record) ([]Record, error) {
		if rec == nil {
			return out, nil
		}
		out = append(out, *rec)
		return nil, nil
	})
}
