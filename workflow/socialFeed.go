package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// FeedMention is one mention as returned by the external platform API.
type FeedMention struct {
	ExternalId string     `json:"id"`
	Author     string     `json:"author"`
	Text       string     `json:"text"`
	PostedAt   *time.Time `json:"posted_at"`
}

// FeedPage is one page of a cursor-paginated mentions listing.
type FeedPage struct {
	Mentions   []FeedMention
	NextCursor string
	HasMore    bool
}

// MentionFeed abstracts the external mentions API. The production
// implementation is feedClient; tests substitute a fake.
type MentionFeed interface {
	Platform() string
	FetchMentions(ctx context.Context, cursor string, updatedSince string) (FeedPage, error)
}

type feedClient struct {
	platform string
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  <-chan time.Time
}

// NewFeedClientFromEnv builds the mentions client from SOCIAL_FEED_BASE_URL,
// SOCIAL_FEED_API_KEY, SOCIAL_FEED_PLATFORM and SOCIAL_FEED_RATE_LIMIT_PER_MIN.
func NewFeedClientFromEnv() (MentionFeed, error) {
	baseURL := strings.TrimSpace(os.Getenv("SOCIAL_FEED_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("social feed base url is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("SOCIAL_FEED_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("social feed api key is empty")
	}
	platform := strings.TrimSpace(os.Getenv("SOCIAL_FEED_PLATFORM"))
	if platform == "" {
		platform = "chirper"
	}

	rateLimitPerMin := int64(10)
	if v := strings.TrimSpace(os.Getenv("SOCIAL_FEED_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &feedClient{
		platform: platform,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  time.Tick(interval),
	}, nil
}

func (c *feedClient) Platform() string { return c.platform }

type feedListResponse struct {
	Data       []FeedMention `json:"data"`
	NextCursor string        `json:"next_cursor"`
	HasMore    *bool         `json:"has_more"`
}

func (c *feedClient) FetchMentions(ctx context.Context, cursor string, updatedSince string) (FeedPage, error) {
	<-c.limiter

	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if updatedSince != "" {
		params.Set("updated_since", updatedSince)
	}
	endpoint := c.baseURL + "/v1/mentions"
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FeedPage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return FeedPage{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FeedPage{}, fmt.Errorf("social feed api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed feedListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return FeedPage{}, err
	}

	hasMore := parsed.NextCursor != ""
	if parsed.HasMore != nil {
		hasMore = *parsed.HasMore
	}
	return FeedPage{
		Mentions:   parsed.Data,
		NextCursor: parsed.NextCursor,
		HasMore:    hasMore,
	}, nil
}
