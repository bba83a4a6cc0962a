package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/storage"
)

// ReminderTick is the argument payload delivered to a grain's
// ReceiveReminder method.
type ReminderTick struct {
	Name string `json:"name"`
}

// reminderService delivers persistent reminders for the ring segment this
// silo owns. Unlike timers, reminders survive silo restarts: they live in
// the reminder table and any silo that inherits the hash range picks them
// up on its next sweep.
type reminderService struct {
	silo  *Silo
	store storage.ReminderStore

	sweep    time.Duration
	lastFire map[string]time.Time // reminder key -> last delivery
}

func newReminderService(s *Silo, store storage.ReminderStore) *reminderService {
	return &reminderService{
		silo:     s,
		store:    store,
		sweep:    30 * time.Second,
		lastFire: make(map[string]time.Time),
	}
}

func (r *reminderService) register(ctx context.Context, id grain.Identity, name string, due time.Time, period time.Duration) error {
	return r.store.UpsertReminder(ctx, storage.Reminder{
		ServiceID: r.silo.serviceID,
		Grain:     id,
		Name:      name,
		StartAt:   due,
		Period:    period,
		GrainHash: id.Hash(),
	})
}

func (r *reminderService) unregister(ctx context.Context, id grain.Identity, name string) error {
	return r.store.DeleteReminder(ctx, r.silo.serviceID, id, name)
}

func (r *reminderService) run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.deliverDue(ctx)
		}
	}
}

func (r *reminderService) deliverDue(ctx context.Context) {
	begin, end, ok := r.silo.directory.SelfRange()
	if !ok {
		return
	}
	reminders, err := r.store.RemindersInRange(ctx, r.silo.serviceID, begin, end)
	if err != nil {
		r.silo.logger.Printf("reminder sweep failed: %v", err)
		return
	}

	now := time.Now()
	for _, rem := range reminders {
		if now.Before(rem.StartAt) {
			continue
		}
		key := rem.Grain.String() + "|" + rem.Name
		last, fired := r.lastFire[key]

		due := false
		switch {
		case rem.Period <= 0:
			due = !fired
		case !fired:
			due = true
		default:
			due = now.Sub(last) >= rem.Period
		}
		if !due {
			continue
		}

		args, _ := json.Marshal(ReminderTick{Name: rem.Name})
		if _, err := r.silo.Call(ctx, rem.Grain, "ReceiveReminder", args); err != nil {
			r.silo.logger.Printf("reminder %s for %s failed: %v", rem.Name, rem.Grain, err)
			continue
		}
		r.lastFire[key] = now

		if rem.Period <= 0 {
			if err := r.store.DeleteReminder(ctx, r.silo.serviceID, rem.Grain, rem.Name); err != nil {
				r.silo.logger.Printf("delete fired reminder %s: %v", rem.Name, err)
			}
		}
	}
}
