package convstate

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kandev/router/internal/common/logger"
)

// AlertSink receives one notification per waiting-expert record that has
// crossed its absolute timeout; the admin surface or an event bus wires in
// here (spec §4.6: "the record is surfaced as timed-out rather than
// silently dropped").
type AlertSink func(ctx context.Context, channel string, r Record)

// Reminder runs the periodic scan_waiting sweep (spec §4.6) on a cron
// schedule, once per configured channel, surfacing any record whose
// absolute 24-hour timeout has elapsed.
type Reminder struct {
	store    *Store
	channels []string
	sink     AlertSink
	log      *logger.Logger

	cr *cron.Cron
}

// NewReminder constructs a Reminder; the schedule is given to Start.
func NewReminder(store *Store, channels []string, sink AlertSink, log *logger.Logger) *Reminder {
	return &Reminder{store: store, channels: channels, sink: sink, log: log, cr: cron.New()}
}

// Start schedules the sweep and begins running it in the background. The
// spec string follows robfig/cron's standard 5-field syntax; "*/5 * * * *"
// (every five minutes) is a reasonable default.
func (r *Reminder) Start(ctx context.Context, spec string) error {
	_, err := r.cr.AddFunc(spec, func() { r.sweepOnce(ctx) })
	if err != nil {
		return err
	}
	r.cr.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (r *Reminder) Stop() {
	<-r.cr.Stop().Done()
}

func (r *Reminder) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, channel := range r.channels {
		waiting, err := r.store.ScanWaiting(ctx, channel)
		if err != nil {
			r.log.Sugar().Warnw("convstate: scan_waiting failed", "channel", channel, "error", err)
			continue
		}
		for _, rec := range waiting {
			if rec.TimedOut(now) && r.sink != nil {
				r.sink(ctx, channel, rec)
			}
		}
	}
}
