package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/area/internal/area"
)

const githubAPI = "https://api.github.com"

// GitHub watches issues and pull requests authored by the user
type GitHub struct {
	rest *restClient
}

// NewGitHub creates the GitHub adapter
func NewGitHub(opts Options) *GitHub {
	rest := newRESTClient(area.ServiceGitHub, githubAPI, opts)
	rest.authScheme = "token"
	rest.client.SetHeader("Accept", "application/vnd.github+json")
	return &GitHub{rest: rest}
}

func (g *GitHub) Service() area.Service {
	return area.Service{ID: area.ServiceGitHub, Name: "GitHub"}
}

func (g *GitHub) Triggers() []area.Trigger {
	return []area.Trigger{
		{ID: "new_issue", ServiceID: area.ServiceGitHub, Description: "An issue you authored was opened", FirstPoll: area.FirstPollLatest},
		{ID: "new_pull_request", ServiceID: area.ServiceGitHub, Description: "A pull request you authored was opened", FirstPoll: area.FirstPollLatest},
	}
}

func (g *GitHub) Reactions() []area.Reaction {
	return []area.Reaction{
		{ID: "create_issue", ServiceID: area.ServiceGitHub, Description: "Open an issue in a repository", Params: []string{"repo", "title"}},
	}
}

type githubSearchResult struct {
	Items []struct {
		ID            int64     `json:"id"`
		Number        int       `json:"number"`
		Title         string    `json:"title"`
		HTMLURL       string    `json:"html_url"`
		RepositoryURL string    `json:"repository_url"`
		CreatedAt     time.Time `json:"created_at"`
		User          struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"items"`
}

func (g *GitHub) FetchCandidates(ctx context.Context, cred area.Credential, trigger area.TriggerID, _ area.Marker) ([]area.RawEvent, error) {
	var kind string
	switch trigger {
	case "new_issue":
		kind = "issue"
	case "new_pull_request":
		kind = "pr"
	default:
		return nil, unsupportedTrigger(area.ServiceGitHub, trigger)
	}

	query := url.Values{}
	query.Set("q", "author:@me type:"+kind)
	query.Set("sort", "created")
	query.Set("order", "desc")
	query.Set("per_page", "30")

	var result githubSearchResult
	if err := g.rest.get(ctx, cred, "search "+kind, "/search/issues", query, &result); err != nil {
		return nil, err
	}

	events := make([]area.RawEvent, 0, len(result.Items))
	for _, item := range result.Items {
		if item.ID == 0 || item.CreatedAt.IsZero() {
			return nil, invalid(area.ServiceGitHub, "search "+kind, "search item without id or created_at")
		}
		_, repo, _ := strings.Cut(item.RepositoryURL, "/repos/")
		events = append(events, area.RawEvent{
			ID:         strconv.FormatInt(item.ID, 10),
			OccurredAt: item.CreatedAt,
			Payload: map[string]string{
				"number": strconv.Itoa(item.Number),
				"title":  item.Title,
				"url":    item.HTMLURL,
				"repo":   repo,
				"author": item.User.Login,
			},
		})
	}
	return sortEvents(events), nil
}

func (g *GitHub) InvokeReaction(ctx context.Context, cred area.Credential, reaction area.ReactionID, params map[string]string, _ area.DetectedEvent) (area.ReactionResult, error) {
	if reaction != "create_issue" {
		return area.ReactionResult{}, unsupportedReaction(area.ServiceGitHub, reaction)
	}

	owner, name, ok := strings.Cut(params["repo"], "/")
	if !ok || owner == "" || name == "" {
		return area.ReactionResult{}, invalidParam("repo", "must be owner/name")
	}

	body := map[string]string{"title": params["title"], "body": params["body"]}
	var created struct {
		ID      int64  `json:"id"`
		HTMLURL string `json:"html_url"`
	}
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/issues"
	if err := g.rest.post(ctx, cred, "create issue", path, body, &created); err != nil {
		return area.ReactionResult{}, err
	}
	return area.ReactionResult{ExternalID: strconv.FormatInt(created.ID, 10), URL: created.HTMLURL}, nil
}
