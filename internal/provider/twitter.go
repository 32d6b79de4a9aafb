package provider

import (
	"context"
	"net/url"
	"time"

	"github.com/dgellow/area/internal/area"
)

const twitterAPI = "https://api.twitter.com/2"

// Twitter watches the user's own tweets and posts new ones
type Twitter struct {
	rest *restClient
}

// NewTwitter creates the Twitter adapter
func NewTwitter(opts Options) *Twitter {
	return &Twitter{rest: newRESTClient(area.ServiceTwitter, twitterAPI, opts)}
}

func (tw *Twitter) Service() area.Service {
	return area.Service{ID: area.ServiceTwitter, Name: "Twitter"}
}

func (tw *Twitter) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_tweet", ServiceID: area.ServiceTwitter, Description: "You posted a tweet", FirstPoll: area.FirstPollLatest},
	}
}

func (tw *Twitter) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "post_tweet", ServiceID: area.ServiceTwitter, Description: "Post a tweet", Params: []string{"text"}},
	}
}

func (tw *Twitter) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_tweet" {
		return nil, unsupportedTrigger(area.ServiceTwitter, trigger)
	}

	var me struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := tw.rest.get(ctx, cred, "get user", "/users/me", nil, &me); err != nil {
		return nil, err
	}
	if me.Data.ID == "" {
		return nil, invalid(area.ServiceTwitter, "get user", "user without id")
	}

	var timeline struct {
		Data []struct {
			ID        string    `json:"id"`
			Text      string    `json:"text"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"data"`
	}
	query := url.Values{"tweet.fields": {"created_at"}, "max_results": {"20"}}
	if err := tw.rest.get(ctx, cred, "list tweets", "/users/"+url.PathEscape(me.Data.ID)+"/tweets", query, &timeline); err != nil {
		return nil, err
	}

	events := make([]area.RawEvent, 0, len(timeline.Data))
	for _, tweet := range timeline.Data {
		if tweet.ID == "" || tweet.CreatedAt.IsZero() {
			return nil, invalid(area.ServiceTwitter, "list tweets", "tweet without id or created_at")
		}
		events = append(events, area.RawEvent{
			ID:         tweet.ID,
			OccurredAt: tweet.CreatedAt,
			Payload: map[string]string{
				"tweet_id": tweet.ID,
				"text":     tweet.Text,
				"author":   me.Data.Username,
				"url":      "https://twitter.com/" + me.Data.Username + "/status/" + tweet.ID,
			},
		})
	}
	return sortEvents(events), nil
}

func (tw *Twitter) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "post_tweet" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceTwitter, reaction)
	}

	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := tw.rest.post(ctx, cred, "post tweet", "/tweets", map[string]string{"text": params["text"]}, &created); err != nil {
		return area.ReactionResult{}, err
	}
	if created.Data.ID == "" {
		return area.ReactionResult{}, invalid(area.ServiceTwitter, "post tweet", "response without tweet id")
	}
	return area.ReactionResult{ExternalID: created.Data.ID}, nil
}
