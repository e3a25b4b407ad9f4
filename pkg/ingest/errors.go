package ingest

import (
	"fmt"

	"github.com/Sternrassler/datasync-ingest/pkg/feed"
)

// APIFatalError is an unclassified feed failure the worker cannot absorb. It
// terminates the run with whatever diagnostic the feed provided.
type APIFatalError struct {
	Status   int
	APIError *feed.APIError
}

func (e *APIFatalError) Error() string {
	detail := "unknown"
	if e.APIError != nil {
		switch {
		case e.APIError.Code != "":
			detail = e.APIError.Code
		case e.APIError.Message != "":
			detail = e.APIError.Message
		}
	}
	return fmt.Sprintf("feed API error HTTP %d: %s", e.Status, detail)
}
