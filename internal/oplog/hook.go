package oplog

import (
	"github.com/sirupsen/logrus"
)

// Hook mirrors logrus entries at or above a level into a Collector.
type Hook struct {
	collector *Collector
	levels    []logrus.Level
}

var _ logrus.Hook = (*Hook)(nil)

// NewHook captures entries at level or more severe.
func NewHook(c *Collector, level logrus.Level) *Hook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= level {
			levels = append(levels, l)
		}
	}
	return &Hook{collector: c, levels: levels}
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

// Fire never blocks the logging goroutine.
func (h *Hook) Fire(e *logrus.Entry) error {
	rec := Record{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
	}
	if len(e.Data) > 0 {
		rec.Fields = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			rec.Fields[k] = v
		}
	}
	h.collector.Offer(rec)
	return nil
}

// Attach creates a running collector of the given size and hooks it into logger.
func Attach(logger *logrus.Logger, size uint32, level logrus.Level) (*Collector, error) {
	c, err := NewCollector(size, nil)
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	logger.AddHook(NewHook(c, level))
	return c, nil
}
