package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/avrel/beacon/internal/model"
)

// AlarmReader resolves the live alarm row behind a correlate ID. The store
// satisfies it.
type AlarmReader interface {
	GetAlarm(cid string) (model.Alarm, error)
}

// AlarmNotifier is a bus subscriber that turns Alarm.* events into provider
// notifications. Event data is the alarm's correlate ID.
type AlarmNotifier struct {
	alarms    AlarmReader
	providers []Provider
}

// NewAlarmNotifier fans alarm events out to every given provider.
func NewAlarmNotifier(alarms AlarmReader, providers ...Provider) *AlarmNotifier {
	return &AlarmNotifier{alarms: alarms, providers: providers}
}

func (n *AlarmNotifier) Name() string { return "alarm-notifier" }

// Deliver enriches the event from the live alarm row when it still exists
// (close events arrive after the row is gone) and pushes it to every
// provider. Provider failures are joined, not short-circuited.
func (n *AlarmNotifier) Deliver(ctx context.Context, subject, data string) error {
	notif := Notification{
		Event:     strings.TrimPrefix(subject, "Alarm."),
		CID:       data,
		Timestamp: time.Now(),
	}

	if alarm, err := n.alarms.GetAlarm(data); err == nil {
		notif.Message = alarm.Message
		notif.Severity = alarm.Severity
		notif.Occurence = alarm.Occurence
	} else if notif.Event != "close" {
		slog.Warn("notifying without alarm detail", "cid", data, "error", err)
	}

	var errs []error
	for _, p := range n.providers {
		if err := p.Send(ctx, notif); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
