package slotsync

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	HeaderWebhookSecret = "X-Webhook-Secret"
	HeaderCorrelationID = "X-Correlation-Id"

	headerGoogleChannelID     = "X-Goog-Channel-ID"
	headerGoogleChannelToken  = "X-Goog-Channel-Token"
	headerGoogleResourceID    = "X-Goog-Resource-ID"
	headerGoogleResourceState = "X-Goog-Resource-State"
	headerGoogleMessageNumber = "X-Goog-Message-Number"
)

// WebhookDelivery is one HTTP delivery decoded into notifications. Secret is
// what the sender presented; it is checked by the gateway, not here.
type WebhookDelivery struct {
	Secret          string
	ValidationToken string
	Notifications   []Notification
}

type graphNotificationBody struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string         `json:"subscriptionId"`
	ClientState    string         `json:"clientState"`
	ChangeType     string         `json:"changeType"`
	Resource       string         `json:"resource"`
	ResourceData   map[string]any `json:"resourceData"`
}

type genericNotificationBody struct {
	ConnectionID  string `json:"connectionId"`
	ChannelID     string `json:"channelId"`
	ResourceID    string `json:"resourceId"`
	ChangeToken   string `json:"changeToken"`
	ResourceState string `json:"resourceState"`
}

// DecodeWebhook normalizes a provider delivery. Google sends headers only,
// Microsoft Graph sends a batch with a clientState per item, anything else
// must use the generic JSON body.
func DecodeWebhook(provider Provider, header http.Header, query url.Values, body []byte) (WebhookDelivery, error) {
	provider = normalizeProvider(provider)
	correlationID := header.Get(HeaderCorrelationID)
	switch provider {
	case ProviderGoogle:
		secret := header.Get(headerGoogleChannelToken)
		if secret == "" {
			secret = header.Get(HeaderWebhookSecret)
		}
		channelID := strings.TrimSpace(header.Get(headerGoogleChannelID))
		if channelID == "" {
			return WebhookDelivery{}, &ValidationError{Field: headerGoogleChannelID, Message: "is required"}
		}
		state := header.Get(headerGoogleResourceState)
		delivery := WebhookDelivery{Secret: secret}
		// "sync" only confirms the channel was created.
		if strings.EqualFold(state, "sync") {
			return delivery, nil
		}
		delivery.Notifications = []Notification{{
			Provider:      provider,
			ChannelID:     channelID,
			ResourceID:    header.Get(headerGoogleResourceID),
			ChangeToken:   channelID + ":" + header.Get(headerGoogleMessageNumber),
			ResourceState: state,
			CorrelationID: correlationID,
		}}
		return delivery, nil
	case ProviderOutlook:
		if token := query.Get("validationToken"); token != "" {
			return WebhookDelivery{ValidationToken: token}, nil
		}
		if err := ValidateJSON(SchemaGraphWebhook, body); err != nil {
			return WebhookDelivery{}, err
		}
		var payload graphNotificationBody
		if err := json.Unmarshal(body, &payload); err != nil {
			return WebhookDelivery{}, &ValidationError{Message: "body is not valid JSON"}
		}
		delivery := WebhookDelivery{Secret: header.Get(HeaderWebhookSecret)}
		for _, item := range payload.Value {
			if delivery.Secret == "" {
				delivery.Secret = item.ClientState
			} else if item.ClientState != "" && item.ClientState != delivery.Secret {
				return WebhookDelivery{}, ErrUnauthorized
			}
			delivery.Notifications = append(delivery.Notifications, Notification{
				Provider:      provider,
				ChannelID:     item.SubscriptionID,
				ResourceID:    graphResourceEventID(item),
				ChangeToken:   graphChangeToken(item),
				ResourceState: item.ChangeType,
				CorrelationID: correlationID,
			})
		}
		return delivery, nil
	default:
		if err := ValidateJSON(SchemaNotification, body); err != nil {
			return WebhookDelivery{}, err
		}
		var payload genericNotificationBody
		if err := json.Unmarshal(body, &payload); err != nil {
			return WebhookDelivery{}, &ValidationError{Message: "body is not valid JSON"}
		}
		return WebhookDelivery{
			Secret: header.Get(HeaderWebhookSecret),
			Notifications: []Notification{{
				Provider:      provider,
				ConnectionID:  payload.ConnectionID,
				ChannelID:     payload.ChannelID,
				ResourceID:    payload.ResourceID,
				ChangeToken:   payload.ChangeToken,
				ResourceState: payload.ResourceState,
				CorrelationID: correlationID,
			}},
		}, nil
	}
}

func graphResourceEventID(item graphNotification) string {
	if id, ok := item.ResourceData["id"].(string); ok && id != "" {
		return id
	}
	return path.Base(strings.TrimSuffix(item.Resource, "/"))
}

// graphChangeToken uses the event etag, which changes on every edit. A
// delete carries no etag, so the change type stands in for it.
func graphChangeToken(item graphNotification) string {
	if etag, ok := item.ResourceData["@odata.etag"].(string); ok && etag != "" {
		return etag
	}
	return item.ChangeType + ":" + graphResourceEventID(item)
}
