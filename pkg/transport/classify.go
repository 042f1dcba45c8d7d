package transport

import "net/http"

// Class represents a classification of call failures.
type Class string

const (
	// ClassNone marks a successful response.
	ClassNone Class = ""

	// ClassClient represents 4xx client errors other than 403 and 429.
	ClassClient Class = "client"

	// ClassAuthorization represents 403 responses: the session lost its
	// permissions mid-run.
	ClassAuthorization Class = "authorization"

	// ClassRateLimit represents 429 rate limit errors.
	ClassRateLimit Class = "rate_limit"

	// ClassServer represents 5xx server errors.
	ClassServer Class = "server"

	// ClassNetwork represents network/timeout errors.
	ClassNetwork Class = "network"
)

// Classify categorizes an HTTP status code.
func Classify(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusForbidden:
		return ClassAuthorization
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500:
		return ClassServer
	case status >= 200 && status < 300:
		return ClassNone
	default:
		// 1xx/3xx that were not followed are unusable for the caller.
		return ClassClient
	}
}
