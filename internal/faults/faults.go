// Package faults classifies errors from external calls into the two
// retry classes the job queue understands.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class is the retry verdict for an error.
type Class int

const (
	// ClassTransient errors are retried per the queue's backoff policy:
	// rate limits, server errors, timeouts, network faults.
	ClassTransient Class = iota
	// ClassUnrecoverable errors bypass remaining attempts: retrying a
	// permission or existence failure only wastes the retry budget and
	// delays surfacing an error a human must fix.
	ClassUnrecoverable
)

func (c Class) String() string {
	if c == ClassUnrecoverable {
		return "unrecoverable"
	}
	return "transient"
}

// StatusError carries an HTTP-equivalent status from a collaborator.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// permanentError marks a local precondition failure that no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Classify treats it as unrecoverable.
// Used for missing-precondition failures such as an initiative with no
// source content.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over fmt.Errorf.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// unrecoverableCodes are provider-specific codes that mean auth or
// existence failures regardless of transport status.
var unrecoverableCodes = map[string]struct{}{
	"unauthorized":     {},
	"forbidden":        {},
	"object_not_found": {},
	"not_found":        {},
}

// Classify maps an error from any external call to its retry class.
// It is pure and total: every non-nil error gets exactly one class, and
// anything unrecognized is Transient so a flaky dependency is retried
// rather than failed fast.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if IsPermanent(err) {
		return ClassUnrecoverable
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return ClassUnrecoverable
		}
		if _, ok := unrecoverableCodes[strings.ToLower(se.Code)]; ok {
			return ClassUnrecoverable
		}
		// 429, 5xx and everything else on the wire is retryable.
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for code := range unrecoverableCodes {
		if strings.Contains(msg, code) {
			return ClassUnrecoverable
		}
	}
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no raw_content") {
		return ClassUnrecoverable
	}
	return ClassTransient
}
