package service

import (
	"encoding/json"

	"webshield/internal/models"
	"webshield/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

// Broadcaster pushes events to live subscribers (the websocket hub).
type Broadcaster interface {
	BroadcastEvent(action string, data interface{})
}

// AuditService writes security events. Logging is best-effort by
// design: a failing sink must never prevent a security decision from
// being enforced, so Log reports nothing to its caller.
type AuditService struct {
	pgRepo *repository.PostgresRepository
	hub    Broadcaster
}

func NewAuditService(pg *repository.PostgresRepository, hub Broadcaster) *AuditService {
	return &AuditService{pgRepo: pg, hub: hub}
}

func (a *AuditService) Log(eventType, severity, message, ip, username string, detail interface{}) {
	ev := models.SecurityEvent{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		IPAddress: ip,
		Username:  username,
	}
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			ev.Detail = data
		}
	}

	zlog.Info().
		Str("event_type", eventType).
		Str("severity", severity).
		Str("ip", ip).
		Msg(message)

	if a.pgRepo != nil {
		if err := a.pgRepo.InsertEvent(ev); err != nil {
			zlog.Error().Err(err).Str("event_type", eventType).Msg("Failed to persist security event")
		}
	}

	if a.hub != nil {
		a.hub.BroadcastEvent("security_event", ev)
	}
}
