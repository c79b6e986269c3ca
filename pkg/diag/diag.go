// Package diag provides the per-run diagnostics context passed explicitly
// into each pipeline stage. There is no process-wide logger: every stage
// receives a Context and appends its recoverable findings to it.
package diag

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Context carries a structured logger plus the run's accumulated recoverable
// warnings and block-local failure count. Safe for concurrent use by worker
// goroutines.
type Context struct {
	Log logrus.FieldLogger

	mu            sync.Mutex
	warnings      []string
	blockFailures int
}

// New returns a context logging to a fresh logrus instance at Info level,
// or Debug level when verbose is set.
func New(verbose bool) *Context {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return &Context{Log: log}
}

// NewNop returns a context that records warnings but discards log output.
// Used by tests.
func NewNop() *Context {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Context{Log: log}
}

// Warnf logs a recoverable condition and records it for end-of-run reporting.
func (c *Context) Warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.warnings = append(c.warnings, msg)
	c.mu.Unlock()
	c.Log.Warn(msg)
}

// Warnings returns a copy of the warnings recorded so far.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...)
}

// AddBlockFailure counts a block-local solve failure. Such failures never
// abort the run; the aggregate count is surfaced when it finishes.
func (c *Context) AddBlockFailure() {
	c.mu.Lock()
	c.blockFailures++
	c.mu.Unlock()
}

// BlockFailures returns the number of block-local failures recorded.
func (c *Context) BlockFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockFailures
}
