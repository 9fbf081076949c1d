package resolver

import (
	"time"

	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
)

// StrategyData is the per-kind payload a conflict context carries.
// Each kind that needs extra information defines its own variant, so
// strategies never reach into an untyped metadata bag.
type StrategyData interface {
	strategyData()
}

// UpsertConflictData carries the resource identity for upsert conflicts.
type UpsertConflictData struct {
	// ResourceID is mutated by the auto-merge strategy when it
	// uniquifies the identifier.
	ResourceID string
	// MergeExisting is set when the uniquified retry also conflicted.
	// The operation should then merge into the existing resource
	// instead of inserting a new one.
	MergeExisting bool
}

func (UpsertConflictData) strategyData() {}

// ThreeWayMergeData carries the three versions of a structurally merged
// document (for example competing configuration edits).
type ThreeWayMergeData struct {
	Base   map[string]interface{}
	Ours   map[string]interface{}
	Theirs map[string]interface{}
	// Merged holds the computed merge after resolution.
	Merged map[string]interface{}
}

func (ThreeWayMergeData) strategyData() {}

// TimeoutData tunes the progressive-timeout strategy.
type TimeoutData struct {
	// AttemptTimeout is the starting per-attempt timeout.
	AttemptTimeout time.Duration
	// Multiplier grows the timeout each attempt. Defaults to 1.5.
	Multiplier float64
	// Fallback, when non-nil, is returned after exhaustion instead of
	// the terminal error.
	Fallback interface{}
}

func (TimeoutData) strategyData() {}

// RateLimitData carries the server-advised wait for rate-limit failures.
type RateLimitData struct {
	RetryAfter time.Duration
}

func (RateLimitData) strategyData() {}

// Context carries one failure through resolution. It is owned by a
// single request flow, mutated across retry attempts, and discarded
// after terminal resolution or dead-lettering.
type Context struct {
	Kind       errors.Kind
	Err        error
	RequestID  string
	Backend    string
	RetryCount int
	MaxRetries int
	Data       StrategyData
	History    []domain.ResolutionRecord
}

// NewContext builds a Context at first failure, classifying err.
func NewContext(err error, maxRetries int) *Context {
	c := &Context{
		Kind:       Classify(err),
		Err:        err,
		MaxRetries: maxRetries,
	}
	if de, ok := errors.AsDispatchError(err); ok {
		c.Backend = de.Backend
		if c.Kind == errors.KindRateLimited {
			if ra, ok := de.Metadata["retry_after"].(time.Duration); ok && ra > 0 {
				c.Data = &RateLimitData{RetryAfter: ra}
			}
		}
	}
	return c
}

// WithData attaches the per-kind strategy payload.
func (c *Context) WithData(data StrategyData) *Context {
	c.Data = data
	return c
}

// WithRequest tags the context with the originating request.
func (c *Context) WithRequest(requestID string) *Context {
	c.RequestID = requestID
	return c
}

// appendHistory records one resolution attempt. The history is
// append-only.
func (c *Context) appendHistory(strategy string, success bool) {
	c.History = append(c.History, domain.ResolutionRecord{
		Strategy:  strategy,
		Success:   success,
		Timestamp: time.Now(),
	})
}

// Result is the immutable outcome of one ResolveConflict invocation.
type Result struct {
	Success bool
	// Strategy is the name of the strategy that produced this result.
	Strategy string
	// Value is the resolved value on success.
	Value interface{}
	// Err is the terminal error on failure.
	Err error
	// ShouldRetry tells the caller the operation may be requeued later
	// (the resolver itself has exhausted its budget).
	ShouldRetry bool
	Duration    time.Duration
}
