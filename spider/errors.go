package spider

import (
	"errors"
	"fmt"
)

// Control errors steer the dispatch loop. Middleware and pipelines return
// them to redirect a request's fate without aborting the crawl.
var (
	// ErrIgnoreRequest drops the request silently; no callback runs.
	ErrIgnoreRequest = errors.New("ignore request")

	// ErrRetryRequest sends the request back to the queue for another
	// attempt.
	ErrRetryRequest = errors.New("retry request")

	// ErrHoldRequest parks the request inside the middleware that returned
	// it; the middleware re-emits it later.
	ErrHoldRequest = errors.New("hold request")
)

// DropItem discards an item mid-pipeline.
type DropItem struct {
	Reason string
}

func (e *DropItem) Error() string {
	return fmt.Sprintf("item dropped: %s", e.Reason)
}

// CloseSpider stops a spider. Callbacks may yield it, middleware and
// pipelines may return it.
type CloseSpider struct {
	Reason string
}

func (e *CloseSpider) Error() string {
	return fmt.Sprintf("close spider: %s", e.Reason)
}
