package resolver

import (
	stderrors "errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tahmidr/request-dispatcher/internal/errors"
)

// classifierRule pairs a predicate with the failure kind it detects.
// Rules are evaluated top-to-bottom; the first match wins, so more
// specific predicates must come before broader ones.
type classifierRule struct {
	kind  errors.Kind
	match func(err error, msg string) bool
}

// grpcKinds maps gRPC status codes onto the dispatch taxonomy.
var grpcKinds = map[codes.Code]errors.Kind{
	codes.DeadlineExceeded:  errors.KindNetworkTimeout,
	codes.ResourceExhausted: errors.KindRateLimited,
	codes.Unavailable:       errors.KindBackendUnavailable,
	codes.Aborted:           errors.KindConcurrentModification,
	codes.AlreadyExists:     errors.KindUpsertConflict,
	codes.InvalidArgument:   errors.KindValidationFailed,
	codes.Unauthenticated:   errors.KindAuthFailed,
	codes.PermissionDenied:  errors.KindAuthFailed,
}

func messageRule(kind errors.Kind, substrings ...string) classifierRule {
	return classifierRule{
		kind: kind,
		match: func(_ error, msg string) bool {
			for _, s := range substrings {
				if strings.Contains(msg, s) {
					return true
				}
			}
			return false
		},
	}
}

// defaultRules is the ordered message-predicate table. New kinds are
// added here, not as scattered conditionals.
var defaultRules = []classifierRule{
	messageRule(errors.KindRateLimited, "rate limit", "too many requests", "throttl"),
	messageRule(errors.KindNetworkTimeout, "timeout", "timed out", "deadline exceeded"),
	messageRule(errors.KindDeadlock, "deadlock"),
	messageRule(errors.KindResourceExhausted, "resource exhausted", "out of memory", "quota exceeded", "connection pool"),
	messageRule(errors.KindConcurrentModification, "concurrent modification", "version mismatch", "optimistic lock", "was updated by another"),
	messageRule(errors.KindValidationFailed, "validation", "invalid request", "malformed"),
	messageRule(errors.KindAuthFailed, "unauthorized", "authentication", "forbidden", "invalid token"),
	messageRule(errors.KindUpsertConflict, "duplicate", "already exists", "unique constraint", "upsert"),
}

// Classify maps an arbitrary failure onto the dispatch taxonomy. Typed
// DispatchErrors keep their kind; gRPC status errors map by code; for
// everything else the ordered predicate table runs over the lowercased
// message. Failures no rule matches are Unclassified.
func Classify(err error) errors.Kind {
	if err == nil {
		return errors.KindUnclassified
	}

	if de, ok := errors.AsDispatchError(err); ok && de.Kind != errors.KindUnclassified {
		return de.Kind
	}

	if st, ok := statusFromError(err); ok {
		if kind, known := grpcKinds[st.Code()]; known {
			return kind
		}
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range defaultRules {
		if rule.match(err, msg) {
			return rule.kind
		}
	}
	return errors.KindUnclassified
}

func statusFromError(err error) (*status.Status, bool) {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if st, ok := status.FromError(e); ok && st.Code() != codes.Unknown {
			return st, true
		}
	}
	return nil, false
}
