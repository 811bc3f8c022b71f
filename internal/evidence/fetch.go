package evidence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Source is one allowlisted evidence source loaded from the signed
// config manifest's evidence_sources.json.
type Source struct {
	SourceID        string        `json:"source_id" mapstructure:"source_id"`
	URL             string        `json:"url" mapstructure:"url"`
	ReliabilityTier int           `json:"reliability_tier" mapstructure:"reliability_tier"`
	TTL             time.Duration `json:"ttl" mapstructure:"ttl"`
	ParserName      string        `json:"parser_name" mapstructure:"parser_name"`
	ParserVersion   string        `json:"parser_version" mapstructure:"parser_version"`
}

// Fetcher pulls evidence items from allowlisted sources over HTTP,
// following the teacher's resty client idiom (internal/exchange/client.go):
// a shared client with fixed timeouts and retry-on-5xx.
type Fetcher struct {
	client *resty.Client
	logger *slog.Logger
	limiter *FetchRateLimiter
}

// NewFetcher constructs a Fetcher with an 8s-timeout resty client and
// up to 2 retries on 5xx, matching the teacher's REST client defaults.
func NewFetcher(logger *slog.Logger) *Fetcher {
	client := resty.New().
		SetTimeout(8 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Fetcher{client: client, logger: logger, limiter: NewFetchRateLimiter()}
}

// rawArticle is the shape expected back from an evidence source's API.
type rawArticle struct {
	Title           string `json:"title"`
	Text            string `json:"text"`
	PublishedAtUTC  string `json:"published_at_utc"`
}

// Fetch pulls one evidence item from src, respecting the hourly fetch
// cap. Returns (nil, nil) if the cap is currently exhausted — this is
// a throttle, not an error.
func (f *Fetcher) Fetch(src Source, now time.Time) (*Item, error) {
	if !f.limiter.CanFetch(now) {
		f.logger.Warn("evidence fetch throttled", "source_id", src.SourceID)
		return nil, nil
	}

	var article rawArticle
	resp, err := f.client.R().SetResult(&article).Get(src.URL)
	if err != nil {
		return nil, fmt.Errorf("evidence fetch %s: %w", src.SourceID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("evidence fetch %s: HTTP %d", src.SourceID, resp.StatusCode())
	}
	f.limiter.RecordFetch(now)

	var published *time.Time
	if article.PublishedAtUTC != "" {
		if t, err := time.Parse(time.RFC3339, article.PublishedAtUTC); err == nil {
			published = &t
		}
	}

	return &Item{
		SourceID:        src.SourceID,
		URL:             src.URL,
		Title:           article.Title,
		Text:            article.Text,
		PublishedAtUTC:  published,
		ReliabilityTier: src.ReliabilityTier,
		ParserName:      src.ParserName,
		ParserVersion:   src.ParserVersion,
	}, nil
}
