// Package bridge connects chat platform adapters to the envelope pipeline.
// Adapters implement a minimal send/react surface; the bridge owns binding
// lookup, boss detection and reply/quote translation in both directions.
package bridge

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hiboss/hiboss/internal/common/logger"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

// Author identifies the sender of an inbound channel message.
type Author struct {
	ID          string
	Username    string
	DisplayName string
}

// InboundMessage is a normalized message arriving from a platform.
type InboundMessage struct {
	ChatID            string
	Author            Author
	Text              string
	Attachments       []store.Attachment
	InReplyTo         string // platform message id being replied to, if any
	PlatformMessageID string
}

// InboundCommand is a normalized slash command arriving from a platform.
type InboundCommand struct {
	ChatID  string
	Author  Author
	Command string
	Args    string
}

// OutboundMessage is what the bridge asks an adapter to send.
type OutboundMessage struct {
	Text                    string
	Attachments             []store.Attachment
	ParseMode               string
	ReplyToChannelMessageID string
}

// Adapter is the platform contract. One adapter instance serves one bound
// credential; calls must honor the context deadline.
type Adapter interface {
	Platform() string
	SendMessage(ctx context.Context, chatID string, msg OutboundMessage) (channelMessageID string, err error)
	SetReaction(ctx context.Context, chatID, channelMessageID, emoji string) error
}

// CommandHandler receives adapter slash commands the bridge does not consume.
type CommandHandler func(ctx context.Context, platform string, agentName string, cmd InboundCommand)

// Bridge routes inbound platform traffic to agent envelopes and outbound
// channel envelopes back to adapters.
type Bridge struct {
	store     *store.Store
	logger    *logger.Logger
	onInbound func(env *store.Envelope)
	onCommand CommandHandler

	mu       sync.RWMutex
	adapters map[string]Adapter // keyed by platform
	warned   map[string]bool    // unbound credentials already warned about
}

func New(st *store.Store, onInbound func(env *store.Envelope), log *logger.Logger) *Bridge {
	return &Bridge{
		store:     st,
		logger:    log.WithFields(zap.String("component", "bridge")),
		onInbound: onInbound,
		adapters:  make(map[string]Adapter),
		warned:    make(map[string]bool),
	}
}

// SetCommandHandler installs the out-of-band command callback.
func (b *Bridge) SetCommandHandler(h CommandHandler) {
	b.onCommand = h
}

// Register makes an adapter available for its platform.
func (b *Bridge) Register(a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[a.Platform()] = a
}

// Unregister removes the platform's adapter.
func (b *Bridge) Unregister(platform string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.adapters, platform)
}

// Platforms lists the platforms with a registered adapter, sorted.
func (b *Bridge) Platforms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	platforms := make([]string, 0, len(b.adapters))
	for platform := range b.adapters {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}

func (b *Bridge) adapter(platform string) (Adapter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.adapters[platform]
	return a, ok
}

// HandleInbound converts a platform message into a pending envelope addressed
// to the bound agent. Messages on unbound credentials are dropped; the boss is
// warned once per credential on that platform.
func (b *Bridge) HandleInbound(ctx context.Context, platform, adapterToken string, msg InboundMessage) error {
	binding, err := b.store.GetBindingByCredential(ctx, platform, adapterToken)
	if err != nil {
		if hberr.IsKind(err, hberr.KindNotFound) {
			b.warnUnbound(ctx, platform, adapterToken)
			return nil
		}
		return err
	}

	fromBoss, err := b.isBoss(ctx, platform, msg.Author)
	if err != nil {
		return err
	}

	metadata := map[string]any{}
	if msg.PlatformMessageID != "" {
		metadata[store.MetaPlatformMessageID] = msg.PlatformMessageID
	}
	if sender := msg.Author.DisplayName; sender != "" {
		metadata[store.MetaSender] = sender
	} else if msg.Author.Username != "" {
		metadata[store.MetaSender] = msg.Author.Username
	}
	channelAddr := store.AddrChannelPrefix + platform + ":" + msg.ChatID
	if msg.InReplyTo != "" {
		quoted, err := b.store.FindChannelEnvelopeByPlatformMessageID(ctx, channelAddr, msg.InReplyTo)
		if err != nil {
			return err
		}
		if quoted != nil {
			metadata[store.MetaReplyToEnvelopeID] = quoted.ID
		}
	}

	env := &store.Envelope{
		From:     channelAddr,
		To:       store.AddrAgentPrefix + binding.AgentName,
		FromBoss: fromBoss,
		Content:  store.Content{Text: msg.Text, Attachments: msg.Attachments},
		Metadata: metadata,
	}
	if err := b.store.CreateEnvelope(ctx, env); err != nil {
		return err
	}
	b.logger.Debug("routed inbound message",
		zap.String("platform", platform),
		zap.String("agent", binding.AgentName),
		zap.Bool("from_boss", fromBoss))
	if b.onInbound != nil {
		b.onInbound(env)
	}
	return nil
}

// HandleCommand resolves the command's bound agent and forwards it.
func (b *Bridge) HandleCommand(ctx context.Context, platform, adapterToken string, cmd InboundCommand) error {
	binding, err := b.store.GetBindingByCredential(ctx, platform, adapterToken)
	if err != nil {
		if hberr.IsKind(err, hberr.KindNotFound) {
			b.warnUnbound(ctx, platform, adapterToken)
			return nil
		}
		return err
	}
	fromBoss, err := b.isBoss(ctx, platform, cmd.Author)
	if err != nil {
		return err
	}
	if !fromBoss {
		b.logger.Warn("dropping command from non-boss author",
			zap.String("platform", platform), zap.String("command", cmd.Command))
		return nil
	}
	if b.onCommand != nil {
		b.onCommand(ctx, platform, binding.AgentName, cmd)
	}
	return nil
}

// Deliver sends a channel-destined envelope through its platform adapter and
// records the resulting platform message id.
func (b *Bridge) Deliver(ctx context.Context, env *store.Envelope) error {
	platform, chatID, ok := store.ParseChannelAddress(env.To)
	if !ok {
		return hberr.New(hberr.KindValidation, "envelope %s has malformed channel address %q", env.ID, env.To)
	}
	adapter, ok := b.adapter(platform)
	if !ok {
		return hberr.New(hberr.KindAdapter, "no adapter registered for platform %s", platform)
	}

	out := OutboundMessage{Text: env.Content.Text, Attachments: env.Content.Attachments}
	if replyID, ok := env.Metadata[store.MetaReplyToEnvelopeID].(string); ok && replyID != "" {
		quoted, err := b.store.GetEnvelope(ctx, replyID)
		if err == nil {
			if pmid, ok := quoted.Metadata[store.MetaPlatformMessageID].(string); ok {
				out.ReplyToChannelMessageID = pmid
			}
		} else if !hberr.IsKind(err, hberr.KindNotFound) {
			return err
		}
	}

	channelMessageID, err := adapter.SendMessage(ctx, chatID, out)
	if err != nil {
		return hberr.Wrap(err, hberr.KindAdapter, "send to %s failed", env.To)
	}
	if channelMessageID != "" {
		if err := b.store.SetEnvelopePlatformMessageID(ctx, env.ID, channelMessageID); err != nil {
			b.logger.Error("failed to record platform message id",
				zap.String("envelope_id", env.ID), zap.Error(err))
		}
	}
	return nil
}

// SetReaction resolves an envelope to its platform message and applies the
// reaction through the adapter.
func (b *Bridge) SetReaction(ctx context.Context, env *store.Envelope, emoji string) error {
	channelAddr := env.To
	if _, _, ok := store.ParseChannelAddress(channelAddr); !ok {
		channelAddr = env.From
	}
	platform, chatID, ok := store.ParseChannelAddress(channelAddr)
	if !ok {
		return hberr.New(hberr.KindValidation, "envelope %s is not bound to a channel", env.ID)
	}
	pmid, ok := env.Metadata[store.MetaPlatformMessageID].(string)
	if !ok || pmid == "" {
		return hberr.New(hberr.KindNotFound, "envelope %s has no platform message id", env.ID)
	}
	adapter, ok := b.adapter(platform)
	if !ok {
		return hberr.New(hberr.KindAdapter, "no adapter registered for platform %s", platform)
	}
	if err := adapter.SetReaction(ctx, chatID, pmid, emoji); err != nil {
		return hberr.Wrap(err, hberr.KindAdapter, "reaction on %s failed", channelAddr)
	}
	return nil
}

// isBoss compares the author against the configured boss identity for the
// platform, case-insensitively, by id then username.
func (b *Bridge) isBoss(ctx context.Context, platform string, author Author) (bool, error) {
	bossID, err := b.store.AdapterBossID(ctx, platform)
	if err != nil {
		return false, err
	}
	if bossID == "" {
		return false, nil
	}
	return strings.EqualFold(author.ID, bossID) ||
		(author.Username != "" && strings.EqualFold(author.Username, bossID)), nil
}

// warnUnbound notifies the boss chat on the platform about traffic on an
// unbound credential, once per credential.
func (b *Bridge) warnUnbound(ctx context.Context, platform, adapterToken string) {
	b.mu.Lock()
	key := platform + ":" + adapterToken
	already := b.warned[key]
	b.warned[key] = true
	b.mu.Unlock()

	b.logger.Warn("dropping message on unbound adapter credential",
		zap.String("platform", platform))
	if already {
		return
	}
	bossID, err := b.store.AdapterBossID(ctx, platform)
	if err != nil || bossID == "" {
		return
	}
	adapter, ok := b.adapter(platform)
	if !ok {
		return
	}
	_, err = adapter.SendMessage(ctx, bossID, OutboundMessage{
		Text: "A message arrived on an unbound " + platform + " credential and was dropped. Bind it to an agent to receive traffic.",
	})
	if err != nil {
		b.logger.Error("failed to deliver unbound-credential warning", zap.Error(err))
	}
}
