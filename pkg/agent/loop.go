package agent

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aiqinxuancai/clawdbot/pkg/bus"
	"github.com/aiqinxuancai/clawdbot/pkg/commands"
	"github.com/aiqinxuancai/clawdbot/pkg/config"
	"github.com/aiqinxuancai/clawdbot/pkg/logger"
	"github.com/aiqinxuancai/clawdbot/pkg/pairing"
	"github.com/aiqinxuancai/clawdbot/pkg/session"
	"github.com/aiqinxuancai/clawdbot/pkg/utils"
)

const systemPrompt = "You are clawdbot, a concise and helpful chat assistant. " +
	"Messages arrive wrapped in an envelope naming the channel, sender and time; " +
	"answer the latest message without repeating the envelope."

// Loop consumes gated inbound messages from the bus, produces replies via an
// OpenAI-compatible provider or the control-command handlers, and publishes
// them back as outbound messages.
type Loop struct {
	bus           *bus.MessageBus
	sessions      *session.Store
	pairing       *pairing.Store
	client        *openai.Client
	agentID       string
	model         string
	maxTokens     int
	temperature   float32
	historyWindow int
}

func NewLoop(cfg *config.Config, msgBus *bus.MessageBus, sessions *session.Store, pairingStore *pairing.Store) *Loop {
	defaults := cfg.Agents.Defaults

	var client *openai.Client
	if key := strings.TrimSpace(cfg.Providers.OpenAI.APIKey); key != "" {
		clientCfg := openai.DefaultConfig(key)
		if base := strings.TrimSpace(cfg.Providers.OpenAI.APIBase); base != "" {
			clientCfg.BaseURL = base
		}
		client = openai.NewClientWithConfig(clientCfg)
	}

	return &Loop{
		bus:           msgBus,
		sessions:      sessions,
		pairing:       pairingStore,
		client:        client,
		agentID:       defaults.ID,
		model:         defaults.Model,
		maxTokens:     defaults.MaxTokens,
		temperature:   float32(defaults.Temperature),
		historyWindow: defaults.HistoryWindow,
	}
}

// Run consumes inbound messages until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}

		reply, err := l.processMessage(ctx, msg)
		if err != nil {
			logger.ErrorCF("agent", "Message processing failed", map[string]interface{}{
				"session": msg.SessionKey,
				"error":   err.Error(),
			})
			reply = "Something went wrong processing that message."
		}
		if reply == "" {
			continue
		}

		logger.DebugCF("agent", "Reply ready", map[string]interface{}{
			"session": msg.SessionKey,
			"preview": utils.Truncate(reply, 80),
		})

		l.recordReply(msg.SessionKey, reply)
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel:    msg.Channel,
			Account:    msg.Account,
			ChatID:     msg.ChatID,
			SessionKey: msg.SessionKey,
			Content:    reply,
		})
	}
}

func (l *Loop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if name, args, ok := commands.Parse(msg.Content); ok {
		if msg.Metadata["command_authorized"] == "true" {
			return l.runCommand(msg.SessionKey, name, args)
		}
		// Unauthorized direct-chat commands fall through as plain text.
	}
	return l.complete(ctx, msg.SessionKey)
}

// ProcessDirect answers one message outside the bus, for the CLI REPL.
// Commands are always authorized here.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	if name, args, ok := commands.Parse(content); ok {
		return l.runCommand(sessionKey, name, args)
	}

	if err := l.sessions.Append(sessionKey, "user", content); err != nil {
		logger.WarnCF("agent", "Session record failed", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}

	reply, err := l.complete(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	l.recordReply(sessionKey, reply)
	return reply, nil
}

func (l *Loop) runCommand(sessionKey, name, args string) (string, error) {
	switch name {
	case "/help":
		return "Commands: /help, /status, /reset, /pair approve <code>", nil
	case "/status":
		model := l.model
		if l.client == nil {
			model = "none (no provider configured)"
		}
		return fmt.Sprintf("agent=%s model=%s session=%s", l.agentID, model, sessionKey), nil
	case "/reset":
		if err := l.sessions.Reset(sessionKey); err != nil {
			return "", err
		}
		return "Session history cleared.", nil
	case "/pair":
		return l.runPairCommand(args)
	}
	return "", fmt.Errorf("unhandled command %s", name)
}

func (l *Loop) runPairCommand(args string) (string, error) {
	if l.pairing == nil {
		return "Pairing store is not available.", nil
	}

	fields := strings.Fields(args)
	if len(fields) == 2 && strings.EqualFold(fields[0], "approve") {
		if err := l.pairing.Approve("onebot", fields[1]); err != nil {
			return fmt.Sprintf("Approve failed: %v", err), nil
		}
		return "Pairing approved.", nil
	}

	pending, err := l.pairing.ListPending("onebot")
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "No pending pairing requests.", nil
	}
	var b strings.Builder
	b.WriteString("Pending pairing requests:\n")
	for _, req := range pending {
		fmt.Fprintf(&b, "  %s  sender=%s  since=%s\n",
			req.Code, req.Sender, req.CreatedAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// complete builds a chat completion from the stored transcript. The current
// message is already the transcript's last line by the time this runs.
func (l *Loop) complete(ctx context.Context, sessionKey string) (string, error) {
	if l.client == nil {
		return "No model provider configured. Set providers.openai.api_key to enable replies.", nil
	}

	history, err := l.sessions.History(sessionKey, l.historyWindow)
	if err != nil {
		logger.WarnCF("agent", "History read failed", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, line := range history {
		role := openai.ChatMessageRoleUser
		if line.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: line.Body})
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		Messages:    messages,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (l *Loop) recordReply(sessionKey, reply string) {
	if err := l.sessions.Append(sessionKey, "assistant", reply); err != nil {
		logger.WarnCF("agent", "Reply record failed", map[string]interface{}{
			"session": sessionKey,
			"error":   err.Error(),
		})
	}
}
