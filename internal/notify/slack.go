package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var slackColors = map[NotificationType]string{
	NotifySuccess: "good",
	NotifyWarning: "warning",
	NotifyError:   "danger",
}

// SlackColor returns the attachment color of a notification type
func SlackColor(t NotificationType) string {
	if c, ok := slackColors[t]; ok {
		return c
	}
	return "#439FE0"
}

// SlackMessage is the incoming-webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one colored block of a message
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
}

// SlackField is a label/value pair rendered under the attachment text
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackNotifier posts notifications to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewSlackNotifier creates a notifier for the webhook; an empty URL
// disables it
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (s *SlackNotifier) message(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(n.Type),
		Text:   n.Message,
		Footer: "crab-verify",
		Ts:     s.now().Unix(),
	}
	if n.RunID != "" {
		att.Title = "run " + n.RunID
	}
	for _, r := range n.Reasons {
		att.Fields = append(att.Fields, SlackField{Title: r.Reason, Value: strconv.Itoa(r.Count), Short: true})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts the notification
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(s.message(n))
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
