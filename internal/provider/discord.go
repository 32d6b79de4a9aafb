package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
)

const discordAPI = "https://discord.com/api/v10"

// discordEpoch is the first second of 2015 in unix milliseconds
const discordEpoch = 1420070400000

// Discord watches the guilds the user joins and posts through webhooks
type Discord struct {
	rest    *restClient
	baseURL *url.URL
}

// NewDiscord creates the Discord adapter
func NewDiscord(opts Options) *Discord {
	rest := newRESTClient(area.ServiceDiscord, discordAPI, opts)
	base, _ := url.Parse(opts.baseURL(discordAPI))
	return &Discord{rest: rest, baseURL: base}
}

func (d *Discord) Service() area.Service {
	return area.Service{ID: area.ServiceDiscord, Name: "Discord"}
}

func (d *Discord) Triggers() []area.Trigger {
	return []area.Trigger{
		// guild ids encode when the guild was created, not when the user joined it
		{ID: "new_guild", ServiceID: area.ServiceDiscord, Description: "You joined a new server", FirstPoll: area.FirstPollBaseline, Membership: true},
	}
}

func (d *Discord) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "send_webhook_message", ServiceID: area.ServiceDiscord, Description: "Post a message through a channel webhook", Params: []string{"webhook_url", "content"}},
	}
}

// snowflakeTime extracts the creation time encoded in a Discord id
func snowflakeTime(id string) (time.Time, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(n>>22) + discordEpoch).UTC(), nil
}

func (d *Discord) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_guild" {
		return nil, unsupportedTrigger(area.ServiceDiscord, trigger)
	}

	var guilds []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Owner bool   `json:"owner"`
	}
	if err := d.rest.get(ctx, cred, "list guilds", "/users/@me/guilds", nil, &guilds); err != nil {
		return nil, err
	}

	events := make([]area.RawEvent, 0, len(guilds))
	for _, g := range guilds {
		at, err := snowflakeTime(g.ID)
		if err != nil {
			return nil, invalid(area.ServiceDiscord, "list guilds", "guild id %q: %v", g.ID, err)
		}
		events = append(events, area.RawEvent{
			ID:         g.ID,
			OccurredAt: at,
			Payload: map[string]string{
				"guild_id": g.ID,
				"name":     g.Name,
				"owner":    strconv.FormatBool(g.Owner),
			},
		})
	}
	return sortEvents(events), nil
}

func (d *Discord) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "send_webhook_message" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceDiscord, reaction)
	}

	hook, err := url.Parse(params["webhook_url"])
	if err != nil || hook.Host != d.baseURL.Host || !strings.Contains(hook.Path, "/webhooks/") {
		return area.ReactionResult{}, invalidParam("webhook_url", "must be a Discord webhook URL")
	}
	query := hook.Query()
	query.Set("wait", "true")
	hook.RawQuery = query.Encode()

	var msg struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	// webhooks carry their own token in the URL
	req := d.rest.client.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": params["content"]})
	if err := d.rest.execute(req, "execute webhook", "POST", hook.String(), &msg); err != nil {
		return area.ReactionResult{}, err
	}
	return area.ReactionResult{ExternalID: msg.ID}, nil
}
