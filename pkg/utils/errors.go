package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrConfigValidation   = errors.New("configuration validation error")
	ErrUnsupportedMethod  = errors.New("unsupported request method")
	ErrRequestCreation    = errors.New("failed to create HTTP request")
	ErrResponseBodyRead   = errors.New("failed to read response body")
	ErrClientHTTPError    = errors.New("client HTTP error (4xx)")
	ErrServerHTTPError    = errors.New("server HTTP error (5xx)")
	ErrRobotsDisallowed   = errors.New("disallowed by robots.txt")
	ErrMaxDepthExceeded   = errors.New("maximum crawl depth exceeded")
	ErrParsing            = errors.New("parsing error") // Wraps HTML, URL, JSON parse failures
	ErrInvalidRule        = errors.New("invalid extraction rule")
	ErrHookCompile        = errors.New("custom code compilation failed")
	ErrHookRuntime        = errors.New("custom code execution failed")
	ErrDatabase           = errors.New("database error") // Wraps badger errors
	ErrSemaphoreTimeout   = errors.New("timeout acquiring semaphore")
	ErrMarkdownConversion = errors.New("failed to convert HTML to markdown")
	ErrEngineRunning      = errors.New("engine is already running")
	ErrNoStartURL         = errors.New("no start URL configured")
)

// CategorizeError maps an error to a predefined category string for logging.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		for _, code := range []string{"401", "403", "404", "429"} {
			if strings.Contains(errMsg, " "+code) {
				return "HTTP_" + code
			}
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrUnsupportedMethod):
		return "Request_Method"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrMaxDepthExceeded):
		return "Policy_MaxDepth"
	case errors.Is(err, ErrInvalidRule):
		return "Rule_Invalid"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrMarkdownConversion):
		return "Content_Markdown"
	case errors.Is(err, ErrHookCompile):
		return "Hook_Compile"
	case errors.Is(err, ErrHookRuntime):
		return "Hook_Runtime"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrEngineRunning), errors.Is(err, ErrNoStartURL):
		return "Engine_State"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

// IsRetryable reports whether a fetch failure is worth another attempt:
// transport errors, 5xx responses and 429.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrServerHTTPError) {
		return true
	}
	if errors.Is(err, ErrClientHTTPError) {
		return strings.Contains(err.Error(), " 429")
	}
	switch {
	case errors.Is(err, ErrUnsupportedMethod),
		errors.Is(err, ErrRequestCreation),
		errors.Is(err, ErrRobotsDisallowed),
		errors.Is(err, ErrMaxDepthExceeded):
		return false
	}
	return true
}
