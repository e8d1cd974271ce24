package projection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleCalendar projects events into Google Calendar with a service account.
// Calls are throttled to stay under the per-user quota.
type GoogleCalendar struct {
	svc     *calendar.Service
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewGoogleCalendar builds a Calendar client from a service account file
func NewGoogleCalendar(ctx context.Context, credentialsFile string, qps float64, log *zap.Logger) (*GoogleCalendar, error) {
	svc, err := calendar.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(calendar.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar client: %w", err)
	}
	if qps <= 0 {
		qps = 5
	}
	return &GoogleCalendar{
		svc:     svc,
		limiter: rate.NewLimiter(rate.Limit(qps), 1),
		log:     log,
	}, nil
}

func toGoogle(ev Event, id string) *calendar.Event {
	return &calendar.Event{
		Id:          id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Status:      "confirmed",
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone},
	}
}

// UpsertEvent inserts the event under its derived id and falls back to an
// update when the id already exists, including a previously deleted event.
func (g *GoogleCalendar) UpsertEvent(ctx context.Context, key, existingID string, ev Event) (string, error) {
	id := existingID
	if id == "" {
		id = EventID(key)
	}
	body := toGoogle(ev, id)

	if existingID == "" {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
		created, err := g.svc.Events.Insert(ev.CalendarID, body).Context(ctx).Do()
		if err == nil {
			g.log.Debug("calendar event created", zap.String("event_id", created.Id), zap.String("key", key))
			return created.Id, nil
		}
		if !hasStatus(err, http.StatusConflict) {
			return "", err
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	updated, err := g.svc.Events.Update(ev.CalendarID, id, body).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	g.log.Debug("calendar event updated", zap.String("event_id", updated.Id), zap.String("key", key))
	return updated.Id, nil
}

// DeleteEvent removes an event; an event that is already gone is not an error
func (g *GoogleCalendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	err := g.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err != nil && !hasStatus(err, http.StatusNotFound, http.StatusGone) {
		return err
	}
	return nil
}

// EnsureShared grants writer access to every email not already on the ACL
func (g *GoogleCalendar) EnsureShared(ctx context.Context, calendarID string, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	acl, err := g.svc.Acl.List(calendarID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("list calendar acl: %w", err)
	}
	shared := make(map[string]bool, len(acl.Items))
	for _, rule := range acl.Items {
		if rule.Scope != nil && rule.Scope.Type == "user" {
			shared[rule.Scope.Value] = true
		}
	}

	var errs []error
	for _, email := range emails {
		if shared[email] {
			continue
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		rule := &calendar.AclRule{
			Role:  "writer",
			Scope: &calendar.AclRuleScope{Type: "user", Value: email},
		}
		if _, err := g.svc.Acl.Insert(calendarID, rule).Context(ctx).Do(); err != nil {
			errs = append(errs, fmt.Errorf("share with %s: %w", email, err))
			continue
		}
		g.log.Info("calendar shared", zap.String("calendar_id", calendarID), zap.String("email", email))
	}
	return errors.Join(errs...)
}

func hasStatus(err error, codes ...int) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, code := range codes {
		if gerr.Code == code {
			return true
		}
	}
	return false
}
