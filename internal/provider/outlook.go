package provider

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
)

const graphAPI = "https://graph.microsoft.com/v1.0"

// Outlook watches the inbox and sends mail through Microsoft Graph
type Outlook struct {
	rest *restClient
}

// NewOutlook creates the Outlook adapter
func NewOutlook(opts Options) *Outlook {
	return &Outlook{rest: newRESTClient(area.ServiceOutlook, graphAPI, opts)}
}

func (o *Outlook) Service() area.Service {
	return area.Service{ID: area.ServiceOutlook, Name: "Outlook"}
}

func (o *Outlook) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_mail", ServiceID: area.ServiceOutlook, Description: "A message arrived in the inbox", FirstPoll: area.FirstPollLatest},
	}
}

func (o *Outlook) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "send_mail", ServiceID: area.ServiceOutlook, Description: "Send an email", Params: []string{"to", "subject"}},
	}
}

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (o *Outlook) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_mail" {
		return nil, unsupportedTrigger(area.ServiceOutlook, trigger)
	}

	var result struct {
		Value []struct {
			ID               string       `json:"id"`
			Subject          string       `json:"subject"`
			BodyPreview      string       `json:"bodyPreview"`
			WebLink          string       `json:"webLink"`
			ReceivedDateTime time.Time    `json:"receivedDateTime"`
			From             graphAddress `json:"from"`
		} `json:"value"`
	}
	query := url.Values{
		"$top":     {"25"},
		"$orderby": {"receivedDateTime desc"},
		"$select":  {"id,subject,bodyPreview,webLink,receivedDateTime,from"},
	}
	if err := o.rest.get(ctx, cred, "list inbox", "/me/mailFolders/inbox/messages", query, &result); err != nil {
		return nil, err
	}

	events := make([]area.RawEvent, 0, len(result.Value))
	for _, msg := range result.Value {
		if msg.ID == "" || msg.ReceivedDateTime.IsZero() {
			return nil, invalid(area.ServiceOutlook, "list inbox", "message without id or receivedDateTime")
		}
		events = append(events, area.RawEvent{
			ID:         msg.ID,
			OccurredAt: msg.ReceivedDateTime,
			Payload: map[string]string{
				"message_id": msg.ID,
				"from":       msg.From.EmailAddress.Address,
				"subject":    msg.Subject,
				"preview":    msg.BodyPreview,
				"url":        msg.WebLink,
			},
		})
	}
	return sortEvents(events), nil
}

func (o *Outlook) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "send_mail" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceOutlook, reaction)
	}

	var recipients []graphAddress
	for _, addr := range strings.Split(params["to"], ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		var r graphAddress
		r.EmailAddress.Address = addr
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		return area.ReactionResult{}, invalidParam("to", "has no address")
	}

	body := map[string]any{
		"message": map[string]any{
			"subject":      params["subject"],
			"body":         map[string]string{"contentType": "Text", "content": params["body"]},
			"toRecipients": recipients,
		},
		"saveToSentItems": true,
	}
	// sendMail answers 202 with an empty body
	if err := o.rest.post(ctx, cred, "send mail", "/me/sendMail", body, nil); err != nil {
		return area.ReactionResult{}, err
	}
	return area.ReactionResult{}, nil
}
