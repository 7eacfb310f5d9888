package faults_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"shipline/internal/faults"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want faults.Class
	}{
		{"nil", nil, faults.ClassTransient},
		{"plain error", errors.New("connection reset by peer"), faults.ClassTransient},
		{"rate limited", &faults.StatusError{StatusCode: 429, Code: "rate_limit_error", Message: "slow down"}, faults.ClassTransient},
		{"overloaded", &faults.StatusError{StatusCode: 529, Code: "overloaded_error", Message: "overloaded"}, faults.ClassTransient},
		{"server error", &faults.StatusError{StatusCode: 500, Message: "internal"}, faults.ClassTransient},
		{"unauthorized status", &faults.StatusError{StatusCode: 401, Message: "bad token"}, faults.ClassUnrecoverable},
		{"forbidden status", &faults.StatusError{StatusCode: 403, Message: "no access"}, faults.ClassUnrecoverable},
		{"missing object status", &faults.StatusError{StatusCode: 404, Message: "gone"}, faults.ClassUnrecoverable},
		{"provider code on 400", &faults.StatusError{StatusCode: 400, Code: "object_not_found", Message: "no such record"}, faults.ClassUnrecoverable},
		{"wrapped status", fmt.Errorf("open pr: %w", &faults.StatusError{StatusCode: 403}), faults.ClassUnrecoverable},
		{"deadline", context.DeadlineExceeded, faults.ClassTransient},
		{"cancelled", context.Canceled, faults.ClassTransient},
		{"not found text", errors.New("document 123 not found"), faults.ClassUnrecoverable},
		{"empty source text", errors.New("page has no raw_content"), faults.ClassUnrecoverable},
		{"permanent wrap", faults.Permanentf("no source content available"), faults.ClassUnrecoverable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := faults.Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("branch missing")
	wrapped := faults.Permanent(base)
	if !faults.IsPermanent(wrapped) {
		t.Fatalf("expected wrapped error to be permanent")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected Unwrap to reach the base error")
	}
	if faults.IsPermanent(base) {
		t.Fatalf("unwrapped error must not be permanent")
	}
	if faults.Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
	outer := fmt.Errorf("develop: %w", faults.Permanentf("feature %s exhausted its rejection budget", "f1"))
	if faults.Classify(outer) != faults.ClassUnrecoverable {
		t.Fatalf("permanence must survive wrapping")
	}
}
