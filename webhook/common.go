// Package webhook turns host push deliveries into scoped sync triggers.
package webhook

import (
	"context"
	"net/http"

	"npmmirror/internal"

	"github.com/charmbracelet/log"
)

// Trigger starts a sync of one repository without waiting for it.
// *syncer.Syncer and internal.PublishTrigger satisfy it.
type Trigger interface {
	Trigger(ctx context.Context, repository string)
}

type dispatcher struct {
	provider string
	rules    *internal.RuleEngine
	trigger  Trigger
	logger   *log.Logger
}

func (d dispatcher) dispatch(w http.ResponseWriter, r *http.Request, eventName string, raw []byte) {
	match, ok := d.rules.Evaluate(internal.Event{
		Provider:   d.provider,
		Name:       eventName,
		RawPayload: raw,
	})
	if !ok {
		d.logger.Debug("no rule matched", "event", eventName)
		w.WriteHeader(http.StatusOK)
		return
	}
	if match.Repository == "" {
		d.logger.Warn("matched delivery carries no repository", "event", eventName, "rule", match.Rule)
		w.WriteHeader(http.StatusOK)
		return
	}
	d.trigger.Trigger(r.Context(), match.Repository)
	d.logger.Info("sync triggered", "event", eventName, "repository", match.Repository, "rule", match.Rule)
	w.WriteHeader(http.StatusAccepted)
}
