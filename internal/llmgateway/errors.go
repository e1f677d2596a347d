package llmgateway

import (
	"errors"
	"strconv"
	"strings"

	"github.com/c360studio/templatefabric/internal/task"
	"github.com/c360studio/templatefabric/llm"
)

// ErrQuotaExhausted is returned when a call would push, or has pushed, a
// task's running cost over its configured per-task budget. It is always fatal — retrying
// the same call only spends more money for the same rejection.
var ErrQuotaExhausted = errors.New("task cost quota exhausted")

// ErrNoCapacity is returned when the gateway's counting semaphore could not
// be acquired before ctx was cancelled.
var ErrNoCapacity = errors.New("llm gateway at capacity")

// classifyError maps an error from llm.Client.Complete onto the
// task.ErrorKind taxonomy, layered on top of llm.IsTransient/llm.IsFatal.
// The HTTP status code, when present in the error text
// (llm/client.go's classifyHTTPError formats it as "status %d"), refines
// the classification; otherwise it falls back to the broad
// transient/fatal split.
func classifyError(err error) task.ErrorKind {
	switch {
	case errors.Is(err, ErrQuotaExhausted):
		return task.ErrorKindQuotaExhausted
	case errors.Is(err, ErrNoCapacity):
		return task.ErrorKindRateLimited
	}

	if status, ok := httpStatus(err); ok {
		switch {
		case status == 429:
			return task.ErrorKindRateLimited
		case status == 401 || status == 403:
			return task.ErrorKindAuthFailed
		case status == 400:
			return task.ErrorKindConfigurationError
		case status == 504 || status == 408:
			return task.ErrorKindProviderTimeout
		case status >= 500:
			return task.ErrorKindProviderError
		}
	}

	switch {
	case isTimeout(err):
		return task.ErrorKindProviderTimeout
	case isNetworkError(err):
		return task.ErrorKindNetworkDown
	case llm.IsFatal(err):
		return task.ErrorKindConfigurationError
	case llm.IsTransient(err):
		return task.ErrorKindProviderError
	default:
		return task.ErrorKindProviderError
	}
}

// httpStatus extracts the status code from an error formatted by
// llm/client.go's classifyHTTPError ("LLM API error (status %d): ...").
func httpStatus(err error) (int, bool) {
	msg := err.Error()
	idx := strings.Index(msg, "status ")
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len("status "):]
	end := strings.IndexAny(rest, "):")
	if end < 0 {
		end = len(rest)
	}
	status, convErr := strconv.Atoi(strings.TrimSpace(rest[:end]))
	if convErr != nil {
		return 0, false
	}
	return status, true
}

func isTimeout(err error) bool {
	var timeouter interface{ Timeout() bool }
	if errors.As(err, &timeouter) {
		return timeouter.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "deadline exceeded") ||
		strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isNetworkError(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "network is unreachable")
}
