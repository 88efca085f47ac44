package engine

import (
	"log/slog"
	"strings"

	"github.com/zapdesk/zapdesk/internal/models"
	"github.com/zapdesk/zapdesk/internal/store"
)

// TriggerResolver matches inbound text to a flow for the sender's audience.
type TriggerResolver struct {
	store store.Store
}

func NewTriggerResolver(st store.Store) *TriggerResolver {
	return &TriggerResolver{store: st}
}

// Resolve returns the flow triggered by the text, preferring an exact keyword
// match over the audience's wildcard flow. A nil flow with nil error means no
// trigger matched and the message falls through to human handling.
//
// A matched flow with a nil initial step is treated as misconfigured: it is
// logged and nil is returned so the message falls through.
func (r *TriggerResolver) Resolve(inboundText string, audience models.Audience) (*models.Flow, error) {
	normalized := strings.ToLower(strings.TrimSpace(inboundText))
	if normalized == "" {
		return nil, nil
	}

	flow, err := r.store.GetFlowByTrigger(normalized, audience)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		flow, err = r.store.GetFlowByTrigger(models.WildcardKeyword, audience)
		if err != nil {
			return nil, err
		}
	}
	if flow == nil {
		return nil, nil
	}
	if flow.InitialStepID == nil {
		slog.Warn("engine: flow matched but has no initial step, falling through to human handling",
			"flowID", flow.ID, "flow", flow.Name, "audience", audience)
		return nil, nil
	}

	slog.Debug("engine: trigger resolved", "flowID", flow.ID, "flow", flow.Name, "audience", audience)
	return flow, nil
}
