package provider

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
)

const spotifyAPI = "https://api.spotify.com/v1"

// Spotify watches saved tracks and creates playlists
type Spotify struct {
	rest *restClient
}

// NewSpotify creates the Spotify adapter
func NewSpotify(opts Options) *Spotify {
	return &Spotify{rest: newRESTClient(area.ServiceSpotify, spotifyAPI, opts)}
}

func (s *Spotify) Service() area.Service {
	return area.Service{ID: area.ServiceSpotify, Name: "Spotify"}
}

func (s *Spotify) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_saved_track", ServiceID: area.ServiceSpotify, Description: "You saved a track to your library", FirstPoll: area.FirstPollLatest},
	}
}

func (s *Spotify) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "create_playlist", ServiceID: area.ServiceSpotify, Description: "Create a private playlist", Params: []string{"name"}},
	}
}

type spotifySavedTracks struct {
	Items []struct {
		AddedAt time.Time `json:"added_at"`
		Track   struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Album struct {
				Name string `json:"name"`
			} `json:"album"`
			ExternalURLs struct {
				Spotify string `json:"spotify"`
			} `json:"external_urls"`
		} `json:"track"`
	} `json:"items"`
}

func (s *Spotify) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_saved_track" {
		return nil, unsupportedTrigger(area.ServiceSpotify, trigger)
	}

	var saved spotifySavedTracks
	if err := s.rest.get(ctx, cred, "list saved tracks", "/me/tracks", url.Values{"limit": {"50"}}, &saved); err != nil {
		return nil, err
	}

	events := make([]area.RawEvent, 0, len(saved.Items))
	for _, item := range saved.Items {
		if item.Track.ID == "" || item.AddedAt.IsZero() {
			return nil, invalid(area.ServiceSpotify, "list saved tracks", "saved track without id or added_at")
		}
		artists := make([]string, len(item.Track.Artists))
		for i, a := range item.Track.Artists {
			artists[i] = a.Name
		}
		// added_at has second precision, ties are broken by track id
		events = append(events, area.RawEvent{
			ID:         item.Track.ID,
			OccurredAt: item.AddedAt,
			Payload: map[string]string{
				"track_id": item.Track.ID,
				"name":     item.Track.Name,
				"artists":  strings.Join(artists, ", "),
				"album":    item.Track.Album.Name,
				"url":      item.Track.ExternalURLs.Spotify,
			},
		})
	}
	return sortEvents(events), nil
}

func (s *Spotify) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "create_playlist" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceSpotify, reaction)
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := s.rest.get(ctx, cred, "get profile", "/me", nil, &me); err != nil {
		return area.ReactionResult{}, err
	}
	if me.ID == "" {
		return area.ReactionResult{}, invalid(area.ServiceSpotify, "get profile", "profile without id")
	}

	body := map[string]any{
		"name":        params["name"],
		"description": params["description"],
		"public":      false,
	}
	var playlist struct {
		ID           string `json:"id"`
		ExternalURLs struct {
			Spotify string `json:"spotify"`
		} `json:"external_urls"`
	}
	if err := s.rest.post(ctx, cred, "create playlist", "/users/"+url.PathEscape(me.ID)+"/playlists", body, &playlist); err != nil {
		return area.ReactionResult{}, err
	}
	return area.ReactionResult{ExternalID: playlist.ID, URL: playlist.ExternalURLs.Spotify}, nil
}
