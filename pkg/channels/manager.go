package channels

import (
	"context"
	"sync"

	"github.com/aiqinxuancai/clawdbot/pkg/agent"
	"github.com/aiqinxuancai/clawdbot/pkg/bus"
	"github.com/aiqinxuancai/clawdbot/pkg/commands"
	"github.com/aiqinxuancai/clawdbot/pkg/config"
	"github.com/aiqinxuancai/clawdbot/pkg/logger"
	"github.com/aiqinxuancai/clawdbot/pkg/onebot"
	"github.com/aiqinxuancai/clawdbot/pkg/pairing"
	"github.com/aiqinxuancai/clawdbot/pkg/router"
	"github.com/aiqinxuancai/clawdbot/pkg/session"
)

// Manager owns one gating pipeline per configured OneBot account plus the
// shared registry and outbound path between them.
type Manager struct {
	cfg          *config.Config
	bus          *bus.MessageBus
	registry     *onebot.Registry
	sender       *onebot.Sender
	sessions     *session.Store
	gateways     map[string]*onebot.Gateway
	dispatchTask *asyncTask
	mu           sync.Mutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

func NewManager(cfg *config.Config, msgBus *bus.MessageBus, sessions *session.Store, pairingStore *pairing.Store) *Manager {
	registry := onebot.NewRegistry()
	sender := onebot.NewSender(registry)

	m := &Manager{
		cfg:      cfg,
		bus:      msgBus,
		registry: registry,
		sender:   sender,
		sessions: sessions,
		gateways: make(map[string]*onebot.Gateway),
	}

	routes := router.New(cfg.Agents.Defaults.ID)
	mentions := agentMentions(cfg)

	// Assign through locals so a nil store never becomes a non-nil interface.
	var pairingSvc onebot.PairingService
	if pairingStore != nil {
		pairingSvc = pairingStore
	}
	var recorder onebot.SessionRecorder
	if sessions != nil {
		recorder = sessions
	}

	for _, accountID := range cfg.AccountIDs() {
		id := accountID
		account := cfg.ResolveAccount(id)
		if !account.Enabled {
			logger.DebugCF("channels", "Skipping disabled account", map[string]interface{}{
				"account": id,
			})
			continue
		}
		if !account.Configured() {
			logger.ErrorCF("channels", "Account has no ws_url, not starting", map[string]interface{}{
				"account": id,
			})
			continue
		}

		m.gateways[id] = onebot.NewGateway(onebot.GatewayOptions{
			AccountID:  id,
			Account:    func() config.Account { return cfg.ResolveAccount(id) },
			Registry:   registry,
			Sender:     sender,
			Router:     routes,
			Pairing:    pairingSvc,
			Sessions:   recorder,
			Commands:   commands.Detector{},
			Mentions:   mentions,
			Dispatcher: &busDispatcher{bus: msgBus},
		})
	}

	logger.InfoCF("channels", "Channel manager initialized", map[string]interface{}{
		"accounts": len(m.gateways),
	})
	return m
}

func agentMentions(cfg *config.Config) onebot.MentionMatcher {
	patterns := cfg.Agents.Defaults.MentionPatterns
	if len(patterns) == 0 {
		return nil
	}
	return agent.NewMentionMatcher(patterns)
}

// StartAll starts the outbound dispatcher and every account gateway.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.gateways) == 0 {
		logger.WarnC("channels", "No accounts enabled")
		return nil
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel}
	go m.dispatchOutbound(dispatchCtx)

	for id, gateway := range m.gateways {
		logger.InfoCF("channels", "Starting account", map[string]interface{}{
			"account": id,
		})
		if err := gateway.Start(); err != nil {
			logger.ErrorCF("channels", "Failed to start account", map[string]interface{}{
				"account": id,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// StopAll stops the dispatcher and every gateway; the registry empties as
// each gateway unregisters its client.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}

	for id, gateway := range m.gateways {
		logger.InfoCF("channels", "Stopping account", map[string]interface{}{
			"account": id,
		})
		gateway.Stop()
	}
	m.registry.Clear()
}

// dispatchOutbound forwards bus outbound traffic through the outbound
// adapter and stamps the session's last-outbound time on success. Failures
// are logged and never retried.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Channel != onebot.ChannelName {
			continue
		}

		if err := m.sender.SendReply(ctx, msg.Account, msg.ChatID, msg.Content, msg.MediaURLs); err != nil {
			logger.ErrorCF("channels", "Reply dispatch failed", map[string]interface{}{
				"account": msg.Account,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
			continue
		}

		if m.sessions != nil && msg.SessionKey != "" {
			if err := m.sessions.TouchOutbound(msg.SessionKey); err != nil {
				logger.WarnCF("channels", "Last-outbound stamp failed", map[string]interface{}{
					"session": msg.SessionKey,
					"error":   err.Error(),
				})
			}
		}
	}
}

// busDispatcher bridges accepted events onto the message bus.
type busDispatcher struct {
	bus *bus.MessageBus
}

func (d *busDispatcher) DispatchInbound(ctx context.Context, msg onebot.InboundContext) error {
	d.bus.PublishInbound(bus.InboundMessage{
		Channel:    msg.Channel,
		Account:    msg.Account,
		ChatID:     onebot.NormalizeTarget(msg.From),
		SenderID:   msg.SenderID,
		SessionKey: msg.SessionKey,
		AgentID:    msg.AgentID,
		Content:    msg.RawText,
		Metadata: map[string]string{
			"message_id":         msg.MessageID,
			"chat_type":          msg.ChatType,
			"from":               msg.From,
			"to":                 msg.To,
			"provider":           msg.Provider,
			"surface":            msg.Surface,
			"mentioned":          boolString(msg.Mentioned),
			"command_authorized": boolString(msg.CommandAuthorized),
		},
	})
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
