package provider

import (
	"net/http"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
)

// Default registers one adapter per known service, honouring per-provider base URL and user agent overrides
func Default(providers map[string]*config.ProviderConfig, client *http.Client) *Registry {
	opts := func(service area.ServiceID) Options {
		o := Options{HTTPClient: client}
		if pc, ok := providers[string(service)]; ok && pc != nil {
			o.BaseURL = pc.BaseURL
			o.UserAgent = pc.UserAgent
		}
		return o
	}

	return NewRegistry(
		NewDiscord(opts(area.ServiceDiscord)),
		NewGitHub(opts(area.ServiceGitHub)),
		NewGmail(opts(area.ServiceGmail)),
		NewSpotify(opts(area.ServiceSpotify)),
		NewReddit(opts(area.ServiceReddit)),
		NewYouTube(opts(area.ServiceYouTube)),
		NewNotion(opts(area.ServiceNotion)),
		NewOutlook(opts(area.ServiceOutlook)),
		NewTwitter(opts(area.ServiceTwitter)),
	)
}
