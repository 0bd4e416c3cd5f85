package delivery

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"riverwatch/internal/types"
)

// Platform identifies the payload dialect expected by a webhook endpoint.
type Platform string

const (
	PlatformGeneric Platform = "generic"
	PlatformSlack   Platform = "slack"
)

// PayloadFormatter renders an alert record into the wire payload for one
// platform and validates the endpoint's response body.
type PayloadFormatter interface {
	Format(record types.AlertRecord) ([]byte, error)
	ValidateResponse(status int, body []byte) error
}

// DetectPlatform picks the formatter dialect from the destination URL.
// Unknown hosts get the generic envelope.
func DetectPlatform(destination string) Platform {
	u, err := url.Parse(destination)
	if err != nil {
		return PlatformGeneric
	}
	if strings.HasSuffix(strings.ToLower(u.Host), "hooks.slack.com") {
		return PlatformSlack
	}
	return PlatformGeneric
}

// FormatterFor returns the formatter for a platform.
func FormatterFor(p Platform) PayloadFormatter {
	if p == PlatformSlack {
		return slackFormatter{}
	}
	return genericFormatter{}
}

// genericFormatter emits the alert record JSON wrapped in a stable envelope.
// The record's field layout is the published contract; the envelope adds the
// event type so receivers can multiplex payload kinds on one endpoint.
type genericFormatter struct{}

type genericEnvelope struct {
	Type  string            `json:"type"`
	Alert types.AlertRecord `json:"alert"`
}

func (genericFormatter) Format(record types.AlertRecord) ([]byte, error) {
	return json.Marshal(genericEnvelope{Type: "effluent.alert", Alert: record})
}

func (genericFormatter) ValidateResponse(int, []byte) error { return nil }

// slackFormatter renders the operator summary line as a Slack message.
type slackFormatter struct{}

type slackPayload struct {
	Text string `json:"text"`
}

func (slackFormatter) Format(record types.AlertRecord) ([]byte, error) {
	text := fmt.Sprintf(":rotating_light: *%s* %s", record.AlertLevel, record.AlertMessage)
	return json.Marshal(slackPayload{Text: text})
}

// ValidateResponse detects Slack's soft failure mode: HTTP 200 with a
// non-"ok" body.
func (slackFormatter) ValidateResponse(status int, body []byte) error {
	if status < 200 || status >= 300 {
		return nil
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" && trimmed != "ok" {
		return fmt.Errorf("slack rejected payload: %s", trimmed)
	}
	return nil
}
