package provider

import (
	"context"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
)

const (
	notionAPI     = "https://api.notion.com/v1"
	notionVersion = "2022-06-28"
)

// Notion watches pages shared with the integration and creates child pages
type Notion struct {
	rest *restClient
}

// NewNotion creates the Notion adapter
func NewNotion(opts Options) *Notion {
	rest := newRESTClient(area.ServiceNotion, notionAPI, opts)
	rest.client.SetHeader("Notion-Version", notionVersion)
	return &Notion{rest: rest}
}

func (n *Notion) Service() area.Service {
	return area.Service{ID: area.ServiceNotion, Name: "Notion"}
}

func (n *Notion) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_page", ServiceID: area.ServiceNotion, Description: "A page was created in a shared workspace", FirstPoll: area.FirstPollLatest},
	}
}

func (n *Notion) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "create_page", ServiceID: area.ServiceNotion, Description: "Create a page under a parent page", Params: []string{"parent_page_id", "title"}},
	}
}

type notionRichText struct {
	PlainText string `json:"plain_text"`
}

type notionPage struct {
	Object      string    `json:"object"`
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	CreatedTime time.Time `json:"created_time"`
	Properties  map[string]struct {
		Type  string           `json:"type"`
		Title []notionRichText `json:"title"`
	} `json:"properties"`
}

func (p notionPage) title() string {
	for _, prop := range p.Properties {
		if prop.Type != "title" {
			continue
		}
		var b strings.Builder
		for _, t := range prop.Title {
			b.WriteString(t.PlainText)
		}
		return b.String()
	}
	return ""
}

func (n *Notion) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_page" {
		return nil, unsupportedTrigger(area.ServiceNotion, trigger)
	}

	// search only sorts by last_edited_time, creation order is restored below
	query := map[string]any{
		"filter":    map[string]string{"property": "object", "value": "page"},
		"sort":      map[string]string{"timestamp": "last_edited_time", "direction": "descending"},
		"page_size": 50,
	}
	var result struct {
		Results []notionPage `json:"results"`
	}
	if err := n.rest.post(ctx, cred, "search pages", "/search", query, &result); err != nil {
		return nil, err
	}

	events := make([]area.RawEvent, 0, len(result.Results))
	for _, page := range result.Results {
		if page.Object != "" && page.Object != "page" {
			continue
		}
		if page.ID == "" || page.CreatedTime.IsZero() {
			return nil, invalid(area.ServiceNotion, "search pages", "page without id or created_time")
		}
		events = append(events, area.RawEvent{
			ID:         page.ID,
			OccurredAt: page.CreatedTime,
			Payload: map[string]string{
				"page_id": page.ID,
				"title":   page.title(),
				"url":     page.URL,
			},
		})
	}
	return sortEvents(events), nil
}

func (n *Notion) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "create_page" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceNotion, reaction)
	}

	text := func(s string) []map[string]any {
		return []map[string]any{{"type": "text", "text": map[string]string{"content": s}}}
	}
	body := map[string]any{
		"parent": map[string]string{"page_id": params["parent_page_id"]},
		"properties": map[string]any{
			"title": map[string]any{"title": text(params["title"])},
		},
	}
	if content := params["content"]; content != "" {
		body["children"] = []map[string]any{{
			"object":    "block",
			"type":      "paragraph",
			"paragraph": map[string]any{"rich_text": text(content)},
		}}
	}

	var page notionPage
	if err := n.rest.post(ctx, cred, "create page", "/pages", body, &page); err != nil {
		return area.ReactionResult{}, err
	}
	return area.ReactionResult{ExternalID: page.ID, URL: page.URL}, nil
}
