package alerting

import (
	"encoding/json"
	"strings"
)

// Payload is the browser notification body picked up by the push collaborator.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
}

// PayloadTemplate fills the fields shared by every notification.
type PayloadTemplate struct {
	Icon         string
	ClickBaseURL string
}

// Build returns a payload pointing at the coin page.
func (t PayloadTemplate) Build(coinID, alertType, title, body string) Payload {
	url := strings.TrimRight(t.ClickBaseURL, "/") + "/" + coinID
	return Payload{
		Title: title,
		Body:  body,
		Icon:  t.Icon,
		URL:   url,
		Tag:   coinID + "-" + alertType,
	}
}

// JSON encodes the payload for the notification log.
func (p Payload) JSON() json.RawMessage {
	// only string fields, Marshal cannot fail
	raw, _ := json.Marshal(p)
	return raw
}
