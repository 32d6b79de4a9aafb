package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/area/internal/area"
	"google.golang.org/api/youtube/v3"
)

const youtubeAPI = "https://youtube.googleapis.com/"

// YouTube watches the user's channel activity and rates videos
type YouTube struct {
	opts Options
}

// NewYouTube creates the YouTube adapter
func NewYouTube(opts Options) *YouTube {
	return &YouTube{opts: opts}
}

func (y *YouTube) Service() area.Service {
	return area.Service{ID: area.ServiceYouTube, Name: "YouTube"}
}

func (y *YouTube) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_activity", ServiceID: area.ServiceYouTube, Description: "Your channel uploaded, liked or favorited a video", FirstPoll: area.FirstPollLatest},
	}
}

func (y *YouTube) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "like_video", ServiceID: area.ServiceYouTube, Description: "Like a video", Params: []string{"video_id"}},
	}
}

func (y *YouTube) client(ctx context.Context, cred area.Credential) (*youtube.Service, error) {
	svc, err := youtube.NewService(ctx, googleOptions(cred, y.opts, youtubeAPI)...)
	if err != nil {
		return nil, fmt.Errorf("creating youtube client: %w", err)
	}
	return svc, nil
}

func (y *YouTube) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_activity" {
		return nil, unsupportedTrigger(area.ServiceYouTube, trigger)
	}
	svc, err := y.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Activities.List([]string{"snippet", "contentDetails"}).Mine(true).MaxResults(25).Context(ctx).Do()
	if err != nil {
		return nil, googleError(area.ServiceYouTube, "list activities", err)
	}

	events := make([]area.RawEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == "" || item.Snippet == nil {
			return nil, invalid(area.ServiceYouTube, "list activities", "activity without id or snippet")
		}
		published, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		if err != nil {
			return nil, invalid(area.ServiceYouTube, "list activities", "activity %s publishedAt: %v", item.Id, err)
		}
		events = append(events, area.RawEvent{
			ID:         item.Id,
			OccurredAt: published,
			Payload: map[string]string{
				"activity_id": item.Id,
				"type":        item.Snippet.Type,
				"title":       item.Snippet.Title,
				"channel":     item.Snippet.ChannelTitle,
				"video_id":    activityVideoID(item),
			},
		})
	}
	return sortEvents(events), nil
}

func activityVideoID(item *youtube.Activity) string {
	cd := item.ContentDetails
	if cd == nil {
		return ""
	}
	switch {
	case cd.Upload != nil:
		return cd.Upload.VideoId
	case cd.Like != nil && cd.Like.ResourceId != nil:
		return cd.Like.ResourceId.VideoId
	case cd.Favorite != nil && cd.Favorite.ResourceId != nil:
		return cd.Favorite.ResourceId.VideoId
	case cd.PlaylistItem != nil && cd.PlaylistItem.ResourceId != nil:
		return cd.PlaylistItem.ResourceId.VideoId
	}
	return ""
}

func (y *YouTube) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "like_video" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceYouTube, reaction)
	}
	svc, err := y.client(ctx, cred)
	if err != nil {
		return area.ReactionResult{}, err
	}

	videoID := params["video_id"]
	if err := svc.Videos.Rate(videoID, "like").Context(ctx).Do(); err != nil {
		return area.ReactionResult{}, googleError(area.ServiceYouTube, "rate video", err)
	}
	return area.ReactionResult{ExternalID: videoID, URL: "https://www.youtube.com/watch?v=" + videoID}, nil
}
