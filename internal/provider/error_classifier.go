package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/smithy-go"
	gosmtp "github.com/emersion/go-smtp"
)

// ProviderError wraps a provider failure with classification metadata.
type ProviderError struct {
	// Provider is the name of the service that returned the error.
	Provider string
	// StatusCode is the HTTP status or SMTP reply code, when known.
	StatusCode int
	// Code is the provider's symbolic error code, when known.
	Code string
	// Message is the error description from the provider.
	Message string
	// Permanent indicates the error will not succeed on retry.
	Permanent bool
	// Err is the underlying error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return e.Provider + ": " + e.Code + ": " + e.Message
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a failure that must not be retried.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return false
}

// IsTransient reports whether err may succeed on retry. Unknown errors are
// transient so no message is dropped on an unexpected failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// ClassifyHTTPError creates a ProviderError from an HTTP status code and
// response body. It returns nil for 2xx.
func ClassifyHTTPError(providerName string, statusCode int, body string) *ProviderError {
	pe := &ProviderError{
		Provider:   providerName,
		StatusCode: statusCode,
		Message:    body,
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil

	case statusCode == 400:
		pe.Permanent = containsPermanentIndicator(body)

	// Credential and account failures say nothing about the message itself.
	// They stay transient so the message survives until the account is fixed.
	case statusCode == 401, statusCode == 403, statusCode == 404:
		pe.Permanent = false

	case statusCode == 408, statusCode == 429, statusCode >= 500:
		pe.Permanent = false

	default:
		// Other 4xx codes are treated as permanent.
		pe.Permanent = statusCode >= 400 && statusCode < 500
	}

	return pe
}

// ClassifySMTPError maps an SMTP client error to a ProviderError. 4xx
// replies are transient and 5xx replies permanent; connection-level
// failures are transient.
func ClassifySMTPError(providerName string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		return &ProviderError{
			Provider:   providerName,
			StatusCode: se.Code,
			Message:    se.Message,
			Permanent:  se.Code >= 500 && se.Code < 600,
			Err:        err,
		}
	}

	return &ProviderError{Provider: providerName, Message: err.Error(), Err: err}
}

// AWS error codes that will fail the same way on every retry.
var permanentAWSCodes = map[string]bool{
	"MessageRejected":                       true,
	"MailFromDomainNotVerifiedException":    true,
	"BadRequestException":                   true,
	"NotFoundException":                     true,
	"InvalidParameterValue":                 true,
	"ValidationException":                   true,
	"ConfigurationSetDoesNotExistException": true,
}

// ClassifyAWSError maps an AWS SDK error to a ProviderError using the
// service error code, falling back to the HTTP status.
func ClassifyAWSError(providerName string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: providerName, Message: err.Error(), Err: err}
	}

	pe := &ProviderError{Provider: providerName, Message: err.Error(), Err: err}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		pe.StatusCode = status.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
		if permanentAWSCodes[pe.Code] {
			pe.Permanent = true
			return pe
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return pe
		}
	}

	if pe.StatusCode != 0 && pe.Code == "" {
		if httpErr := ClassifyHTTPError(providerName, pe.StatusCode, pe.Message); httpErr != nil {
			pe.Permanent = httpErr.Permanent
		}
	}
	return pe
}

// containsPermanentIndicator checks if a 400 response body indicates a
// failure that will not change on retry.
func containsPermanentIndicator(body string) bool {
	lower := strings.ToLower(body)
	permanentPatterns := []string{
		"invalid recipient",
		"invalid email",
		"does not exist",
		"mailbox not found",
		"recipient rejected",
		"bad request",
		"validation error",
		"invalid address",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
