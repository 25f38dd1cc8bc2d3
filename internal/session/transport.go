package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/groutine"
	"github.com/srg/blesupport/internal/oplog"
)

// maxLineSize bounds one incoming message.
const maxLineSize = 1024 * 1024

// LineWriter is a Sender writing one JSON message per line. It is safe for
// concurrent use.
type LineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{enc: json.NewEncoder(w)}
}

func (w *LineWriter) Send(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(m)
}

// Server reads line-delimited messages and hands each to the Handler on its
// own goroutine, so a slow connect does not hold up a device list query.
type Server struct {
	handler *Handler
	out     Sender
	logs    *oplog.Collector
	logger  *logrus.Logger
}

// NewServer creates a server. logs may be nil; when set, captured log records
// are forwarded to the peer as KindLog messages.
func NewServer(handler *Handler, out Sender, logs *oplog.Collector, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{handler: handler, out: out, logs: logs, logger: logger}
}

// Serve runs until r is exhausted or ctx ends, then waits for in-flight
// messages to be answered.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	groutine.Go(ctx, "session-heartbeat", s.handler.Run)
	if s.logs != nil {
		groutine.Go(ctx, "session-logs", s.forwardLogs)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	groutine.Go(ctx, "session-reader", func(ctx context.Context) {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return fmt.Errorf("failed to read messages: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				s.logger.WithError(err).Warn("Failed to parse message")
				e := ErrJSONParse
				s.send(Message{Kind: KindError, Error: &e})
				continue
			}
			wg.Add(1)
			groutine.Go(ctx, "session-message-"+msg.ID, func(ctx context.Context) {
				defer wg.Done()
				s.handler.Handle(ctx, msg)
			})
		}
	}
}

func (s *Server) send(m Message) {
	if err := s.out.Send(m); err != nil {
		s.logger.WithError(err).Warn("Failed to send message")
	}
}

// forwardLogs drains the operation log whenever new records arrive.
func (s *Server) forwardLogs(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.logs.Ready():
		}
		records, err := s.logs.Drain()
		if err != nil {
			// logging here would feed the collector again
			continue
		}
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := s.out.Send(Message{Kind: KindLog, Data: data}); err != nil {
				return
			}
		}
	}
}
