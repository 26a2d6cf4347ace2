// Package notify tells the operator when a batch run ends
package notify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/crab-verify/internal/batch"
	"github.com/hochfrequenz/crab-verify/internal/config"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// ReasonCount is how many PRs of a run ended with one reason
type ReasonCount struct {
	Reason string
	Count  int
}

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional batch run reference
	// Reasons holds the most frequent failure reasons, largest first
	Reasons []ReasonCount
}

// Body is the message followed by one line per reason
func (n Notification) Body() string {
	var b strings.Builder
	b.WriteString(n.Message)
	for _, r := range n.Reasons {
		fmt.Fprintf(&b, "\n%d× %s", r.Count, r.Reason)
	}
	return b.String()
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig builds the notifiers enabled in the config
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}

// BatchFinished describes the end of a batch run. reasons is the
// histogram of failure reasons and may be nil.
func BatchFinished(runID string, s batch.Summary, runErr error, reasons map[string]int) Notification {
	n := Notification{RunID: runID, Type: NotifySuccess, Title: "Batch finished"}
	switch {
	case runErr != nil:
		n.Type = NotifyError
		n.Title = "Batch failed"
	case s.Interrupted:
		n.Type = NotifyWarning
		n.Title = "Batch interrupted"
	case s.Failures > 0:
		n.Type = NotifyWarning
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s in %s", s.Totals(), s.Duration.Round(time.Second))
	if s.Cached > 0 {
		fmt.Fprintf(&b, ", %d cached", s.Cached)
	}
	if s.Failures > 0 {
		fmt.Fprintf(&b, ", %d repositories aborted", s.Failures)
	}
	if runErr != nil {
		fmt.Fprintf(&b, "\n%v", runErr)
	}
	n.Message = b.String()
	n.Reasons = topReasons(reasons, 3)
	return n
}

func topReasons(reasons map[string]int, n int) []ReasonCount {
	out := make([]ReasonCount, 0, len(reasons))
	for k, c := range reasons {
		out = append(out, ReasonCount{Reason: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
