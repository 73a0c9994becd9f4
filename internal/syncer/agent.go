package syncer

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentworkforce/studysync/internal/delivery"
	"github.com/agentworkforce/studysync/internal/offline"
)

type SubmitOptions struct {
	// Defer skips the direct delivery attempt and always queues.
	Defer bool
}

type SubmitResult struct {
	Action    offline.Action `json:"action"`
	Delivered bool           `json:"delivered"`
	Queued    bool           `json:"queued"`
	Error     string         `json:"error,omitempty"`
}

// Agent is the entry point for mutations: it delivers directly while online
// and falls back to the offline queue otherwise.
type Agent struct {
	store  Store
	client delivery.Client
	syncer *Syncer
	online func() bool
	logger *zap.Logger
}

// NewAgent wires the pieces together. online reports current connectivity;
// nil means always online.
func NewAgent(store Store, client delivery.Client, syncer *Syncer, online func() bool, logger *zap.Logger) *Agent {
	if online == nil {
		online = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{store: store, client: client, syncer: syncer, online: online, logger: logger}
}

func (a *Agent) Syncer() *Syncer {
	return a.syncer
}

func (a *Agent) Online() bool {
	return a.online()
}

// Submit validates action, then either delivers it now or queues it. A
// failed direct delivery is queued with no attempt charged.
func (a *Agent) Submit(ctx context.Context, action offline.Action, opts SubmitOptions) (SubmitResult, error) {
	prepared, err := a.store.PrepareAction(action)
	if err != nil {
		return SubmitResult{}, err
	}
	result := SubmitResult{Action: prepared}
	if !opts.Defer && a.online() {
		deliverErr := a.client.Deliver(ctx, prepared.Method, prepared.TargetEndpoint, prepared.Payload)
		if deliverErr == nil {
			result.Delivered = true
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SubmitResult{}, ctxErr
		}
		result.Error = deliverErr.Error()
		a.logger.Info("direct delivery failed, queueing action",
			zap.String("actionId", prepared.ID),
			zap.String("kind", prepared.Kind),
			zap.Error(deliverErr),
		)
	}
	queued, err := a.store.EnqueueAction(ctx, prepared)
	if err != nil {
		return SubmitResult{}, err
	}
	result.Action = queued
	result.Queued = true
	return result, nil
}

// Status reports pending counts plus connectivity and last sync time.
func (a *Agent) Status(ctx context.Context) (offline.SyncStatus, error) {
	status, err := a.store.SyncStatus(ctx)
	if err != nil {
		return offline.SyncStatus{}, err
	}
	status.Online = a.online()
	if a.syncer != nil {
		status.LastSyncAt = a.syncer.LastSyncAt()
	}
	return status, nil
}
