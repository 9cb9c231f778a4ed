package service

import (
	"webshield/internal/tasks"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

// Notifier hands alerts to the background queue. Delivery is fully
// decoupled from request handling: enqueueing is the only synchronous
// step, and even that failing is logged rather than surfaced.
type Notifier struct {
	client *asynq.Client
}

func NewNotifier(client *asynq.Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) Notify(severity, title, message, ip string) {
	if n == nil || n.client == nil {
		return
	}
	task, err := tasks.NewNotifyTask(severity, title, message, ip)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to create notify task")
		return
	}
	if _, err := n.client.Enqueue(task); err != nil {
		zlog.Error().Err(err).Str("title", title).Msg("Failed to enqueue notify task")
	}
}

// RequestThreatCheck schedules a reputation lookup for ip.
func (n *Notifier) RequestThreatCheck(ip string) {
	if n == nil || n.client == nil {
		return
	}
	task, err := tasks.NewReputationCheckTask(ip)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to create reputation task")
		return
	}
	if _, err := n.client.Enqueue(task); err != nil {
		zlog.Error().Err(err).Str("ip", ip).Msg("Failed to enqueue reputation task")
	}
}
