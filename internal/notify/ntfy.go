package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NtfyProvider sends notifications via an ntfy server.
type NtfyProvider struct {
	url    string
	topic  string
	client *http.Client
}

// NewNtfy creates a new ntfy notification provider.
func NewNtfy(url, topic string) *NtfyProvider {
	return &NtfyProvider{
		url:    strings.TrimRight(url, "/"),
		topic:  topic,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *NtfyProvider) Name() string { return "ntfy" }

func (n *NtfyProvider) Send(ctx context.Context, notif Notification) error {
	endpoint := fmt.Sprintf("%s/%s", n.url, n.topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(notif.Message))
	if err != nil {
		return fmt.Errorf("ntfy: build request: %w", err)
	}

	req.Header.Set("Title", ntfyTitle(notif))
	req.Header.Set("Priority", severityToNtfyPriority(notif.Severity))
	req.Header.Set("Tags", ntfyTags(notif))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func ntfyTitle(n Notification) string {
	switch n.Event {
	case "open":
		return "Alarm opened: " + n.CID
	case "update":
		return fmt.Sprintf("Alarm repeated (x%d): %s", n.Occurence, n.CID)
	case "close":
		return "Alarm closed: " + n.CID
	default:
		return "Alarm " + n.CID
	}
}

func severityToNtfyPriority(severity int) string {
	switch {
	case severity >= 4:
		return "5"
	case severity == 3:
		return "4"
	case severity == 2:
		return "3"
	default:
		return "2"
	}
}

func ntfyTags(n Notification) string {
	var tags []string
	switch {
	case n.Event == "close":
		tags = append(tags, "white_check_mark")
	case n.Severity >= 3:
		tags = append(tags, "rotating_light")
	case n.Severity == 2:
		tags = append(tags, "warning")
	default:
		tags = append(tags, "information_source")
	}
	if n.Event != "" {
		tags = append(tags, n.Event)
	}
	return strings.Join(tags, ",")
}
