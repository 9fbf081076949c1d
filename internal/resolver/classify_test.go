package resolver

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tahmidr/request-dispatcher/internal/errors"
)

func TestClassifyTypedErrorKeepsKind(t *testing.T) {
	t.Parallel()

	err := errors.New(errors.KindDeadlock, "backend", "some unrelated message")
	assert.Equal(t, errors.KindDeadlock, Classify(err))
}

func TestClassifyGRPCStatusCodes(t *testing.T) {
	t.Parallel()

	cases := map[codes.Code]errors.Kind{
		codes.DeadlineExceeded:  errors.KindNetworkTimeout,
		codes.ResourceExhausted: errors.KindRateLimited,
		codes.Unavailable:       errors.KindBackendUnavailable,
		codes.Aborted:           errors.KindConcurrentModification,
		codes.AlreadyExists:     errors.KindUpsertConflict,
		codes.InvalidArgument:   errors.KindValidationFailed,
		codes.Unauthenticated:   errors.KindAuthFailed,
		codes.PermissionDenied:  errors.KindAuthFailed,
	}
	for code, want := range cases {
		err := status.Error(code, "rpc failed")
		assert.Equal(t, want, Classify(err), "code %s", code)
	}
}

func TestClassifyWrappedGRPCStatus(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("calling inventory service: %w", status.Error(codes.Unavailable, "connection refused"))
	assert.Equal(t, errors.KindBackendUnavailable, Classify(err))
}

func TestClassifyByMessage(t *testing.T) {
	t.Parallel()

	cases := map[string]errors.Kind{
		"HTTP 429 Too Many Requests":                 errors.KindRateLimited,
		"request throttled by upstream":              errors.KindRateLimited,
		"i/o timeout reading response":               errors.KindNetworkTimeout,
		"context deadline exceeded":                  errors.KindNetworkTimeout,
		"Deadlock detected on table orders":          errors.KindDeadlock,
		"quota exceeded for project":                 errors.KindResourceExhausted,
		"optimistic lock failure":                    errors.KindConcurrentModification,
		"row was updated by another transaction":     errors.KindConcurrentModification,
		"duplicate key value":                        errors.KindUpsertConflict,
		"unique constraint violation on orders_pkey": errors.KindUpsertConflict,
		"validation failed for field 'name'":         errors.KindValidationFailed,
		"401 unauthorized":                           errors.KindAuthFailed,
		"something entirely novel happened":          errors.KindUnclassified,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(stderrors.New(msg)), "message %q", msg)
	}
}

func TestClassifyOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	// A message matching both the rate-limit and timeout rules must
	// always resolve to the earlier rule.
	err := stderrors.New("rate limit wait timed out")
	assert.Equal(t, errors.KindRateLimited, Classify(err))

	// Validation and auth outrank upsert-conflict: a structural failure
	// must not be mistaken for a mergeable one.
	err = stderrors.New("duplicate key failed validation")
	assert.Equal(t, errors.KindValidationFailed, Classify(err))
	err = stderrors.New("duplicate key rejected: unauthorized")
	assert.Equal(t, errors.KindAuthFailed, Classify(err))
}

func TestClassifyNil(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.KindUnclassified, Classify(nil))
}
