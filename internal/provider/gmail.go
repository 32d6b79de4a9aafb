package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
	"google.golang.org/api/gmail/v1"
)

const gmailAPI = "https://gmail.googleapis.com/"

// Gmail watches the inbox and sends mail
type Gmail struct {
	opts Options
}

// NewGmail creates the Gmail adapter
func NewGmail(opts Options) *Gmail {
	return &Gmail{opts: opts}
}

func (g *Gmail) Service() area.Service {
	return area.Service{ID: area.ServiceGmail, Name: "Gmail"}
}

func (g *Gmail) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_message", ServiceID: area.ServiceGmail, Description: "A message arrived in the inbox", FirstPoll: area.FirstPollLatest},
	}
}

func (g *Gmail) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "send_email", ServiceID: area.ServiceGmail, Description: "Send a plain text email", Params: []string{"to", "subject"}},
	}
}

func (g *Gmail) client(ctx context.Context, cred area.Credential) (*gmail.Service, error) {
	svc, err := gmail.NewService(ctx, googleOptions(cred, g.opts, gmailAPI)...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail client: %w", err)
	}
	return svc, nil
}

func (g *Gmail) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	if trigger != "new_message" {
		return nil, unsupportedTrigger(area.ServiceGmail, trigger)
	}
	svc, err := g.client(ctx, cred)
	if err != nil {
		return nil, err
	}

	list, err := svc.Users.Messages.List("me").LabelIds("INBOX").MaxResults(20).Context(ctx).Do()
	if err != nil {
		return nil, googleError(area.ServiceGmail, "list messages", err)
	}

	events := make([]area.RawEvent, 0, len(list.Messages))
	for _, ref := range list.Messages {
		if ref.Id == "" {
			return nil, invalid(area.ServiceGmail, "list messages", "message reference without id")
		}
		msg, err := svc.Users.Messages.Get("me", ref.Id).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Context(ctx).
			Do()
		if err != nil {
			return nil, googleError(area.ServiceGmail, "get message", err)
		}
		if msg.InternalDate <= 0 {
			return nil, invalid(area.ServiceGmail, "get message", "message %s without internalDate", ref.Id)
		}

		payload := map[string]string{
			"message_id": msg.Id,
			"thread_id":  msg.ThreadId,
			"snippet":    msg.Snippet,
		}
		if msg.Payload != nil {
			for _, h := range msg.Payload.Headers {
				switch strings.ToLower(h.Name) {
				case "from":
					payload["from"] = h.Value
				case "subject":
					payload["subject"] = h.Value
				}
			}
		}
		events = append(events, area.RawEvent{
			ID:         msg.Id,
			OccurredAt: time.UnixMilli(msg.InternalDate).UTC(),
			Payload:    payload,
		})
	}
	return sortEvents(events), nil
}

func (g *Gmail) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "send_email" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceGmail, reaction)
	}
	if strings.ContainsAny(params["to"], "\r\n") {
		return area.ReactionResult{}, invalidParam("to", "contains a line break")
	}
	svc, err := g.client(ctx, cred)
	if err != nil {
		return area.ReactionResult{}, err
	}

	raw := buildMessage(params["to"], params["subject"], params["body"])
	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}).Context(ctx).Do()
	if err != nil {
		return area.ReactionResult{}, googleError(area.ServiceGmail, "send message", err)
	}
	return area.ReactionResult{ExternalID: sent.Id}, nil
}

// buildMessage renders a minimal RFC 2822 plain text message
func buildMessage(to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
