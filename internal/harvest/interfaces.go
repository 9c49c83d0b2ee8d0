package harvest

import (
	"context"
	"net/http"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RobotsPolicy answers robots.txt allowance questions.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Fetcher performs a gated GET and hands back the open response.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*http.Response, error)
}

// PageFetcher retrieves listing and article documents.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string) (Page, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
