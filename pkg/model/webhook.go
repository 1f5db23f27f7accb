package model

import (
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// WebhookType distinguishes the two webhook variants. It is immutable after
// creation.
type WebhookType string

const (
	// WebhookIncoming receives external calls authenticated by a token.
	WebhookIncoming WebhookType = "Incoming"
	// WebhookOutgoing fires HTTP requests at its configured responses.
	WebhookOutgoing WebhookType = "Outgoing"
)

// WebhookResponse describes one HTTP call an outgoing webhook makes when
// triggered.
type WebhookResponse struct {
	URL     string                 `json:"url"`
	Method  string                 `json:"method,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Webhook listens for events at a reference scope: an org, project or branch
// composite id. Type and reference never change after creation.
type Webhook struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name,omitempty"`
	Type          WebhookType            `json:"type"`
	Description   string                 `json:"description,omitempty"`
	Triggers      []string               `json:"triggers"`
	Reference     string                 `json:"reference"`
	Token         string                 `json:"token,omitempty"`
	TokenLocation string                 `json:"tokenLocation,omitempty"`
	Responses     []WebhookResponse      `json:"responses,omitempty"`
	Custom        map[string]interface{} `json:"custom,omitempty"`
	Metadata
}

// WebhookUpdatableFields lists the fields the batch update path may change.
var WebhookUpdatableFields = []string{
	"name", "description", "triggers", "custom", "archived",
	"token", "tokenLocation", "responses",
}

// WebhookImmutableFields are rejected with a conflict even when unchanged.
var WebhookImmutableFields = []string{"id", "type", "reference"}

// Validate checks a new webhook document before insertion, including the
// variant rules: incoming webhooks require a token and token location and
// forbid responses; outgoing webhooks require non-empty responses and forbid
// token fields.
func (w *Webhook) Validate() error {
	if w.ID == "" {
		return errs.NewValidation("id", "webhook id is required")
	}
	if len(w.Triggers) == 0 {
		return errs.NewValidation("triggers", "webhook [%s] requires at least one trigger", w.ID)
	}
	if w.Reference == "" {
		return errs.NewValidation("reference", "webhook [%s] requires a reference scope", w.ID)
	}
	if len(ids.Parse(w.Reference)) > 3 {
		return errs.NewValidation("reference", "webhook reference [%s] must be an org, project or branch id", w.Reference)
	}
	if err := ids.Validate(w.Reference); err != nil {
		return err
	}
	switch w.Type {
	case WebhookIncoming:
		if w.Token == "" || w.TokenLocation == "" {
			return errs.NewValidation("token", "incoming webhook [%s] requires token and tokenLocation", w.ID)
		}
		if len(w.Responses) != 0 {
			return errs.NewValidation("responses", "incoming webhook [%s] cannot have responses", w.ID)
		}
	case WebhookOutgoing:
		if len(w.Responses) == 0 {
			return errs.NewValidation("responses", "outgoing webhook [%s] requires at least one response", w.ID)
		}
		for i, r := range w.Responses {
			if r.URL == "" {
				return errs.NewValidation("responses", "outgoing webhook [%s] response %d requires a url", w.ID, i)
			}
		}
		if w.Token != "" || w.TokenLocation != "" {
			return errs.NewValidation("token", "outgoing webhook [%s] cannot have token or tokenLocation", w.ID)
		}
	default:
		return errs.NewValidation("type", "webhook type [%s] must be Incoming or Outgoing", w.Type)
	}
	return nil
}
