package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	CategoryTimeout     = "timeout"
	CategoryRateLimit   = "rate_limit"
	CategoryAuth        = "auth"
	CategoryServerError = "server_error"
	CategoryClientError = "client_error"
	CategoryNetwork     = "network"
	CategoryParse       = "parse"
	CategoryCanceled    = "canceled"
	CategoryOther       = "other"
)

// ConditionError is one failed condition.
type ConditionError struct {
	ConditionID int
	Category    string
	Err         error
}

func newConditionError(id int, err error) ConditionError {
	return ConditionError{ConditionID: id, Category: categorizeError(err), Err: err}
}

func (e ConditionError) Error() string {
	return fmt.Sprintf("条件 %d: %v", e.ConditionID, e.Err)
}

func (e ConditionError) Unwrap() error {
	return e.Err
}

// errorPattern maps error substrings to their categories
type errorPattern struct {
	patterns []string
	category string
}

// errorPatterns defines all error categorization patterns in priority order
var errorPatterns = []errorPattern{
	{
		patterns: []string{"timeout", "context deadline exceeded", "i/o timeout"},
		category: CategoryTimeout,
	},
	// Rate limit errors - checked before auth since "too many requests" can appear with 429
	{
		patterns: []string{"rate limit", "ratelimit", "too many requests", "status 429", "quota exceeded", "limit exceeded"},
		category: CategoryRateLimit,
	},
	{
		patterns: []string{"status 401", "status 403", "unauthorized", "authentication", "api key"},
		category: CategoryAuth,
	},
	{
		patterns: []string{"status 500", "status 502", "status 503", "status 504", "internal server error", "bad gateway", "service unavailable"},
		category: CategoryServerError,
	},
	{
		patterns: []string{"status 400", "status 404", "status 405", "status 422", "bad request", "not found", "validation"},
		category: CategoryClientError,
	},
	{
		patterns: []string{"connection refused", "connection reset", "no such host", "network", "dns", "temporary failure", "eof"},
		category: CategoryNetwork,
	},
	{
		patterns: []string{"unmarshal", "parse", "invalid character", "invalid syntax"},
		category: CategoryParse,
	},
	{
		patterns: []string{"context canceled"},
		category: CategoryCanceled,
	},
}

// categorizeError categorizes an error for reporting. Context errors are
// matched by identity before falling back to message patterns.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		for _, pattern := range ep.patterns {
			if strings.Contains(errStr, pattern) {
				return ep.category
			}
		}
	}
	return CategoryOther
}
