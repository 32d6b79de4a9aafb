// Package area holds the domain types shared by the detection and dispatch engine.
package area

import (
	"fmt"
	"time"
)

// ServiceID identifies an external provider ("github", "gmail", ...)
type ServiceID string

// TriggerID identifies a kind of event a user can watch for
type TriggerID string

// ReactionID identifies an effect invocable on a service
type ReactionID string

// Known services
const (
	ServiceDiscord ServiceID = "discord"
	ServiceGitHub  ServiceID = "github"
	ServiceGmail   ServiceID = "gmail"
	ServiceSpotify ServiceID = "spotify"
	ServiceReddit  ServiceID = "reddit"
	ServiceYouTube ServiceID = "youtube"
	ServiceNotion  ServiceID = "notion"
	ServiceOutlook ServiceID = "outlook"
	ServiceTwitter ServiceID = "twitter"
)

// Service is a catalog entry for an external provider
type Service struct {
	ID   ServiceID `json:"id"`
	Name string    `json:"name"`
}

// FirstPollPolicy decides what counts as new when a pairing has no cursor yet
type FirstPollPolicy string

const (
	// FirstPollLatest treats only the most recent candidate as new
	FirstPollLatest FirstPollPolicy = "latest"
	// FirstPollBaseline treats nothing as new and positions the cursor at the newest candidate
	FirstPollBaseline FirstPollPolicy = "baseline"
)

// Trigger describes an event kind observable on a service
type Trigger struct {
	ID          TriggerID       `json:"id"`
	ServiceID   ServiceID       `json:"service_id"`
	Description string          `json:"description"`
	FirstPoll   FirstPollPolicy `json:"first_poll"`
	// Membership triggers watch a set whose items carry no time of the user's action.
	// An event is an id absent from the previously seen set.
	Membership bool `json:"membership,omitempty"`
}

// Reaction describes an effect invocable on a service
type Reaction struct {
	ID          ReactionID `json:"id"`
	ServiceID   ServiceID  `json:"service_id"`
	Description string     `json:"description"`
	Params      []string   `json:"params,omitempty"` // required parameter names
}

// Credential is the OAuth token pair bound to one (user, service)
type Credential struct {
	UserID       string    `json:"user_id"`
	ServiceID    ServiceID `json:"service_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Connected    bool      `json:"connected"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenSet is what an OAuth exchange produces. Empty RefreshToken and zero Expiry mean absent.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Validate enforces that a connected credential carries an access token
func (c Credential) Validate() error {
	if c.Connected && c.AccessToken == "" {
		return fmt.Errorf("credential %s/%s is connected without an access token", c.UserID, c.ServiceID)
	}
	return nil
}

// ReactionBinding is one reaction inside a rule, bound to its target service
type ReactionBinding struct {
	ReactionID ReactionID        `json:"reaction_id" yaml:"reaction"`
	ServiceID  ServiceID         `json:"service_id" yaml:"service"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Rule binds a trigger to an ordered list of reactions for one user
type Rule struct {
	ID               string            `json:"id" yaml:"id"`
	UserID           string            `json:"user_id" yaml:"user"`
	TriggerServiceID ServiceID         `json:"trigger_service_id" yaml:"service"`
	TriggerID        TriggerID         `json:"trigger_id" yaml:"trigger"`
	Reactions        []ReactionBinding `json:"reactions" yaml:"reactions"`
}

// PairingKey identifies a (user, service, trigger) unit of scheduled work
type PairingKey struct {
	UserID    string
	ServiceID ServiceID
	TriggerID TriggerID
}

func (k PairingKey) String() string {
	return k.UserID + "/" + string(k.ServiceID) + "/" + string(k.TriggerID)
}

// RawEvent is a candidate returned by a provider adapter
type RawEvent struct {
	ID         string
	OccurredAt time.Time
	Payload    map[string]string
}

// Key returns the ordering key of the event
func (e RawEvent) Key() Marker {
	return NewMarker(e.OccurredAt, e.ID)
}

// DetectedEvent is a new event handed from the detector to the dispatcher
type DetectedEvent struct {
	UserID     string            `json:"user_id"`
	ServiceID  ServiceID         `json:"service_id"`
	TriggerID  TriggerID         `json:"trigger_id"`
	EventID    string            `json:"event_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    map[string]string `json:"payload"`
}

// OutcomeStatus is the result class of one reaction attempt
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome reasons
const (
	ReasonNotConnected        = "not_connected"
	ReasonDisconnected        = "disconnected"
	ReasonUnsupportedReaction = "unsupported_reaction"
	ReasonInvalidParams       = "invalid_params"
	ReasonAuthExpired         = "auth_expired"
	ReasonRateLimited         = "rate_limited"
	ReasonUnavailable         = "provider_unavailable"
	ReasonInvalidResponse     = "invalid_response"
	ReasonRejected            = "rejected"
	ReasonCancelled           = "cancelled"
)

// Outcome records one dispatch attempt
type Outcome struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	RuleID          string        `json:"rule_id"`
	TriggerID       TriggerID     `json:"trigger_id"`
	EventID         string        `json:"event_id"`
	ReactionID      ReactionID    `json:"reaction_id"`
	TargetServiceID ServiceID     `json:"target_service_id"`
	Status          OutcomeStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ReactionResult is what a provider returns for a successful reaction
type ReactionResult struct {
	ExternalID string `json:"external_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// ConnectionStatus is the user-visible state of a (user, service) pairing
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusNotConnected ConnectionStatus = "not_connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)
