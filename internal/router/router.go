// Package router accepts envelope sends and dispatches due envelopes: channel
// destinations go out through the bridge, agent destinations wake the agent's
// executor worker.
package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/bridge"
	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

// Waker wakes an agent's executor worker. Signals are advisory and coalesce.
type Waker interface {
	Signal(agentName string)
}

// Router validates and persists sends, and drains due envelopes.
type Router struct {
	store     *store.Store
	bridge    *bridge.Bridge
	waker     Waker
	recompute func()
	logger    *logger.Logger
}

func New(st *store.Store, br *bridge.Bridge, waker Waker, recompute func(), log *logger.Logger) *Router {
	return &Router{
		store:     st,
		bridge:    br,
		waker:     waker,
		recompute: recompute,
		logger:    log.WithFields(zap.String("component", "router")),
	}
}

// Send validates the envelope, persists it pending and nudges the scheduler.
// Agent destinations must name a registered agent.
func (r *Router) Send(ctx context.Context, env *store.Envelope) error {
	if name, ok := store.ParseAgentAddress(env.To); ok {
		if _, err := r.store.GetAgent(ctx, name); err != nil {
			return err
		}
	}
	if adapterType, _, ok := store.ParseChannelAddress(env.To); ok {
		// An agent may only post to channels of an adapter type it is bound to.
		if sender, isAgent := store.ParseAgentAddress(env.From); isAgent {
			if _, err := r.store.GetBindingForAgent(ctx, sender, adapterType); err != nil {
				if hberr.IsKind(err, hberr.KindNotFound) {
					return hberr.New(hberr.KindPermissionDenied,
						"agent %s is not bound to adapter type %s", sender, adapterType)
				}
				return err
			}
		}
	}
	if err := r.store.CreateEnvelope(ctx, env); err != nil {
		return err
	}
	r.logger.Debug("accepted envelope",
		zap.String("envelope_id", env.ID),
		zap.String("to", env.To))
	if r.recompute != nil {
		r.recompute()
	}
	return nil
}

// DispatchDue drains due channel envelopes through the bridge and wakes every
// agent with due pending work. Called from the scheduler's onDue callback.
func (r *Router) DispatchDue(ctx context.Context) {
	r.dispatchChannels(ctx)
	r.wakeAgents(ctx)
}

func (r *Router) dispatchChannels(ctx context.Context) {
	envs, err := r.store.DueChannelEnvelopes(ctx, 0)
	if err != nil {
		r.logger.Error("failed to list due channel envelopes", zap.Error(err))
		return
	}
	for _, env := range envs {
		if err := r.bridge.Deliver(ctx, env); err != nil {
			// Delivery failures are terminal: the envelope is marked done with
			// a post-mortem, never retried.
			kind := hberr.KindOf(err)
			r.logger.Warn("channel delivery failed, terminalizing",
				zap.String("envelope_id", env.ID),
				zap.String("kind", string(kind)),
				zap.Error(err))
			if markErr := r.store.MarkEnvelopeDeliveryFailed(ctx, env.ID, string(kind), err.Error()); markErr != nil {
				r.logger.Error("failed to record delivery failure",
					zap.String("envelope_id", env.ID), zap.Error(markErr))
			}
			continue
		}
		if err := r.store.MarkEnvelopesDone(ctx, []string{env.ID}); err != nil {
			r.logger.Error("failed to acknowledge delivered envelope",
				zap.String("envelope_id", env.ID), zap.Error(err))
		}
	}
}

func (r *Router) wakeAgents(ctx context.Context) {
	names, err := r.store.DueAgentNames(ctx)
	if err != nil {
		r.logger.Error("failed to list agents with due envelopes", zap.Error(err))
		return
	}
	for _, name := range names {
		r.waker.Signal(name)
	}
}
