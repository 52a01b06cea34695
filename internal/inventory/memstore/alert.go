package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
)

func cloneAlert(a *domain.Alert) domain.Alert {
	c := *a
	if a.BatchID != nil {
		id := *a.BatchID
		c.BatchID = &id
	}
	if a.DaysToExpiry != nil {
		d := *a.DaysToExpiry
		c.DaysToExpiry = &d
	}
	if a.AcknowledgedBy != nil {
		by := *a.AcknowledgedBy
		c.AcknowledgedBy = &by
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		c.AcknowledgedAt = &at
	}
	return c
}

// CreateIfAbsent stores alert unless an open alert shares its dedup key.
// Alerts are written immediately, outside any unit of work.
func (s *Store) CreateIfAbsent(ctx context.Context, alert *domain.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alert.DedupKey()
	if _, ok := s.openAlerts[key]; ok {
		return false, nil
	}

	if alert.ID == "" {
		alert.ID = newID()
	}
	if alert.GeneratedAt.IsZero() {
		alert.GeneratedAt = s.now().UTC()
	}
	alert.Acknowledged = false

	stored := cloneAlert(alert)
	s.alerts = append(s.alerts, &stored)
	s.openAlerts[key] = &stored
	return true, nil
}

// Acknowledge closes an alert so the same condition may raise a new one.
func (s *Store) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if a.ID != id {
			continue
		}
		if a.Acknowledged {
			return nil
		}
		a.Acknowledged = true
		a.AcknowledgedBy = &by
		a.AcknowledgedAt = &at
		delete(s.openAlerts, a.DedupKey())
		return nil
	}
	return errors.NotFound("alert")
}

// ListActive returns unacknowledged alerts matching filter, oldest first.
func (s *Store) ListActive(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	s.mu.Lock()
	var out []domain.Alert
	for _, a := range s.openAlerts {
		if filter.Matches(a) {
			out = append(out, cloneAlert(a))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.Before(out[j].GeneratedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
