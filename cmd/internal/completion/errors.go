package completion

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

func isOffline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network") || strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused")
}

// Humanize maps a completion failure to the text shown to the user.
func Humanize(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrEmptyPrompt):
		return "Please type a message first."
	case errors.Is(err, ErrPromptTooLarge):
		return "That message is too long. Please shorten it and try again."
	case errors.Is(err, ErrEmptyCompletion):
		return "Krismini had nothing to say. Please try rephrasing your message."
	case errors.Is(err, ErrNotConfigured):
		return "The AI service is not configured."
	}

	switch code := StatusOf(err); {
	case code == http.StatusTooManyRequests:
		return "Too many requests. Please wait a moment and try again."
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "Access to the AI service was denied."
	case code >= 500:
		return "The AI service is temporarily unavailable. Please try again shortly."
	}

	if isOffline(err) {
		return "You appear to be offline. Please check your network connection."
	}
	return "Something went wrong while generating a reply. Please try again."
}

// Outcome is a short label for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrPromptTooLarge):
		return "invalid"
	case errors.Is(err, ErrEmptyCompletion):
		return "empty"
	case StatusOf(err) == http.StatusTooManyRequests:
		return "rate_limited"
	case StatusOf(err) != 0:
		return "upstream_error"
	default:
		return "error"
	}
}
