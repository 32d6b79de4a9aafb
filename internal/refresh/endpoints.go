package refresh

import (
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/oauth2/spotify"
)

// DefaultEndpoint returns the public OAuth endpoint of service
func DefaultEndpoint(service area.ServiceID) (oauth2.Endpoint, bool) {
	switch service {
	case area.ServiceGmail, area.ServiceYouTube:
		return google.Endpoint, true
	case area.ServiceGitHub:
		return github.Endpoint, true
	case area.ServiceSpotify:
		return spotify.Endpoint, true
	case area.ServiceOutlook:
		return microsoft.AzureADEndpoint("common"), true
	case area.ServiceDiscord:
		return oauth2.Endpoint{
			AuthURL:  "https://discord.com/oauth2/authorize",
			TokenURL: "https://discord.com/api/oauth2/token",
		}, true
	case area.ServiceReddit:
		return oauth2.Endpoint{
			AuthURL:   "https://www.reddit.com/api/v1/authorize",
			TokenURL:  "https://www.reddit.com/api/v1/access_token",
			AuthStyle: oauth2.AuthStyleInHeader,
		}, true
	case area.ServiceNotion:
		return oauth2.Endpoint{
			AuthURL:   "https://api.notion.com/v1/oauth/authorize",
			TokenURL:  "https://api.notion.com/v1/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		}, true
	case area.ServiceTwitter:
		return oauth2.Endpoint{
			AuthURL:   "https://twitter.com/i/oauth2/authorize",
			TokenURL:  "https://api.twitter.com/2/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		}, true
	default:
		return oauth2.Endpoint{}, false
	}
}

// ConfigsFromProviders builds the OAuth client of every provider that has a client id
func ConfigsFromProviders(providers map[string]*config.ProviderConfig) map[area.ServiceID]*oauth2.Config {
	configs := make(map[area.ServiceID]*oauth2.Config, len(providers))
	for name, pc := range providers {
		if pc == nil || pc.ClientID == nil || pc.ClientID.String() == "" {
			continue
		}
		service := area.ServiceID(name)
		endpoint, ok := DefaultEndpoint(service)
		if pc.TokenURL != "" {
			endpoint.TokenURL = pc.TokenURL
		} else if !ok {
			continue
		}
		configs[service] = &oauth2.Config{
			ClientID:     pc.ClientID.String(),
			ClientSecret: pc.ClientSecret.String(),
			Endpoint:     endpoint,
		}
	}
	return configs
}
