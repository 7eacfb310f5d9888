package services

import (
	"context"
	"errors"
	"log"
	"strings"

	"shipline/internal/faults"
)

// FallbackCompleter retries one overloaded completion on a cheaper
// fallback model before giving up. Any other failure propagates
// untouched so the queue's classifier sees the original error.
type FallbackCompleter struct {
	Inner         Completer
	FallbackModel string
	Logger        *log.Logger
}

func (f FallbackCompleter) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	resp, err := f.Inner.Complete(ctx, req)
	if !f.shouldFallback(resp, err) || f.FallbackModel == "" || req.Model == f.FallbackModel {
		return resp, err
	}
	if f.Logger != nil {
		f.Logger.Printf("model %s overloaded, retrying with %s", req.Model, f.FallbackModel)
	}
	req.Model = f.FallbackModel
	return f.Inner.Complete(ctx, req)
}

func (f FallbackCompleter) shouldFallback(resp CompletionResponse, err error) bool {
	if err == nil {
		return resp.StopReason == StopOverloaded
	}
	if faults.IsPermanent(err) {
		return false
	}
	var statusErr *faults.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode == 529 || statusErr.Code == "overloaded_error"
	}
	return strings.Contains(strings.ToLower(err.Error()), "overloaded")
}
