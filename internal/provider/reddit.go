package provider

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
)

const redditAPI = "https://oauth.reddit.com"

// DefaultRedditUserAgent is sent when no user agent is configured; Reddit rejects anonymous agents
const DefaultRedditUserAgent = "area-engine/1.0"

// Reddit watches the user's upvotes and submits self posts
type Reddit struct {
	rest *restClient
}

// NewReddit creates the Reddit adapter
func NewReddit(opts Options) *Reddit {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultRedditUserAgent
	}
	return &Reddit{rest: newRESTClient(area.ServiceReddit, redditAPI, opts)}
}

func (r *Reddit) Service() area.Service {
	return area.Service{ID: area.ServiceReddit, Name: "Reddit"}
}

func (r *Reddit) Triggers() []area.Trigger {
	return []area.Trigger{
		// the listing is ordered by upvote but carries only the post creation time
		{ID: "new_upvote", ServiceID: area.ServiceReddit, Description: "You upvoted a post", FirstPoll: area.FirstPollLatest, Membership: true},
	}
}

func (r *Reddit) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "submit_post", ServiceID: area.ServiceReddit, Description: "Submit a text post to a subreddit", Params: []string{"subreddit", "title"}},
	}
}

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data struct {
				Name       string  `json:"name"`
				Title      string  `json:"title"`
				Subreddit  string  `json:"subreddit"`
				Permalink  string  `json:"permalink"`
				URL        string  `json:"url"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (r *Reddit) me(ctx context.Context, cred area.Credential) (string, error) {
	var me struct {
		Name string `json:"name"`
	}
	if err := r.rest.get(ctx, cred, "get identity", "/api/v1/me", nil, &me); err != nil {
		return "", err
	}
	if me.Name == "" {
		return "", invalid(area.ServiceReddit, "get identity", "identity without name")
	}
	return me.Name, nil
}

func (r *Reddit) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_upvote" {
		return nil, unsupportedTrigger(area.ServiceReddit, trigger)
	}

	name, err := r.me(ctx, cred)
	if err != nil {
		return nil, err
	}

	var listing redditListing
	query := url.Values{"limit": {"25"}, "raw_json": {"1"}}
	if err := r.rest.get(ctx, cred, "list upvoted", "/user/"+url.PathEscape(name)+"/upvoted", query, &listing); err != nil {
		return nil, err
	}

	// newest upvote comes first, hand them back oldest first
	children := listing.Data.Children
	events := make([]area.RawEvent, 0, len(children))
	for i := len(children) - 1; i >= 0; i-- {
		post := children[i].Data
		if post.Name == "" || post.CreatedUTC <= 0 {
			return nil, invalid(area.ServiceReddit, "list upvoted", "listing child without name or created_utc")
		}
		sec, frac := math.Modf(post.CreatedUTC)
		events = append(events, area.RawEvent{
			ID:         post.Name,
			OccurredAt: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
			Payload: map[string]string{
				"fullname":  post.Name,
				"title":     post.Title,
				"subreddit": post.Subreddit,
				"url":       "https://www.reddit.com" + post.Permalink,
				"link":      post.URL,
			},
		})
	}
	return events, nil
}

func (r *Reddit) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "submit_post" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceReddit, reaction)
	}

	var result struct {
		JSON struct {
			Errors [][]any `json:"errors"`
			Data   struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				URL  string `json:"url"`
			} `json:"data"`
		} `json:"json"`
	}
	req := r.rest.request(ctx, cred).SetFormData(map[string]string{
		"api_type": "json",
		"kind":     "self",
		"sr":       strings.TrimPrefix(params["subreddit"], "r/"),
		"title":    params["title"],
		"text":     params["text"],
	})
	if err := r.rest.execute(req, "submit post", "POST", "/api/submit", &result); err != nil {
		return area.ReactionResult{}, err
	}
	// Reddit reports validation failures with HTTP 200
	if len(result.JSON.Errors) > 0 {
		return area.ReactionResult{}, &area.ProviderError{
			Service: area.ServiceReddit,
			Op:      "submit post",
			Kind:    area.ErrRejected,
			Err:     fmt.Errorf("%v", result.JSON.Errors[0]),
		}
	}
	return area.ReactionResult{ExternalID: result.JSON.Data.Name, URL: result.JSON.Data.URL}, nil
}
