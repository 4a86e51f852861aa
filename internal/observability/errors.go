package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors collected while running operation,
// logs them once, and returns the joined error. It returns nil when errs holds
// no failures.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failures := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	messages := make([]string, len(failures))
	for i, err := range failures {
		messages[i] = err.Error()
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(failures)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failures...))
}
