package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// CountdownPrinter shows the remaining time of a bounded wait on one
// terminal line. It is single-use: Start once, Stop at least once.
type CountdownPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration

	start    time.Time
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewCountdownPrinter(w io.Writer, prefix string, duration time.Duration) *CountdownPrinter {
	return &CountdownPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *CountdownPrinter) Start() {
	p.start = time.Now()
	p.print(p.remaining())

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print(p.remaining())
			}
		}
	}()
}

// remaining rounds to the nearest second and never goes below zero.
func (p *CountdownPrinter) remaining() int {
	left := p.duration - time.Since(p.start)
	if left <= 0 {
		return 0
	}
	return int(left.Seconds() + 0.5)
}

func (p *CountdownPrinter) print(seconds int) {
	if p.duration <= 0 {
		fmt.Fprintf(p.w, "\r%s (Ctrl+C to stop)   ", p.prefix)
		return
	}
	fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, seconds)
}

// Stop clears the progress line. Safe to call more than once.
func (p *CountdownPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if !p.start.IsZero() {
			<-p.done
		}
		fmt.Fprint(p.w, clearLineSequence)
	})
}
