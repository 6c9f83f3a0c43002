package onebot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aiqinxuancai/clawdbot/pkg/config"
	"github.com/aiqinxuancai/clawdbot/pkg/logger"
	"github.com/aiqinxuancai/clawdbot/pkg/utils"
)

// ChannelName tags this bridge in routing keys, session keys and the
// pairing store.
const ChannelName = "onebot"

// Peer identifies the conversation an event belongs to.
type Peer struct {
	Kind string // "direct", "group" or "channel"
	ID   string // canonical target address
}

// Route is the host routing decision for one conversation.
type Route struct {
	AgentID    string
	SessionKey string
}

// RouteResolver is the host's agent-routing service.
type RouteResolver interface {
	ResolveAgentRoute(channel, account string, peer Peer) Route
}

// PairingService grants unknown senders one-time access via codes.
type PairingService interface {
	UpsertRequest(channel, sender string) (code string, created bool, err error)
	Allowed(channel string) ([]string, error)
	BuildPairingReply(code string) string
}

// SessionRecorder persists accepted inbound envelopes.
type SessionRecorder interface {
	Append(sessionKey, role, body string) error
}

// CommandDetector recognizes control commands in resolved text.
type CommandDetector interface {
	IsControlCommand(text string) bool
}

// MentionMatcher applies an agent's configured mention patterns.
type MentionMatcher interface {
	MatchMention(agentID, text string) bool
}

// InboundContext is the normalized routing context handed to the host's
// reply pipeline for one accepted event.
type InboundContext struct {
	Channel           string
	Account           string
	AgentID           string
	SessionKey        string
	RawText           string
	CommandText       string
	From              string
	To                string
	ChatType          string
	SenderID          string
	Mentioned         bool
	CommandAuthorized bool
	Provider          string
	Surface           string
	MessageID         string
	Timestamp         int64
	Envelope          string
}

// Dispatcher drives the host's reply pipeline for one accepted event.
type Dispatcher interface {
	DispatchInbound(ctx context.Context, msg InboundContext) error
}

// GatewayOptions wires one account's gating pipeline.
type GatewayOptions struct {
	AccountID  string
	Account    func() config.Account
	Registry   *Registry
	Sender     *Sender
	Router     RouteResolver
	Pairing    PairingService
	Sessions   SessionRecorder
	Commands   CommandDetector
	Mentions   MentionMatcher
	Dispatcher Dispatcher
}

// Gateway consumes raw protocol events for one account, applies the layered
// authorization policy and forwards accepted events to the host.
type Gateway struct {
	accountID  string
	account    func() config.Account
	registry   *Registry
	sender     *Sender
	router     RouteResolver
	pairing    PairingService
	sessions   SessionRecorder
	commands   CommandDetector
	mentions   MentionMatcher
	dispatcher Dispatcher

	client  *Client
	nowFunc func() time.Time
}

func NewGateway(opts GatewayOptions) *Gateway {
	return &Gateway{
		accountID:  opts.AccountID,
		account:    opts.Account,
		registry:   opts.Registry,
		sender:     opts.Sender,
		router:     opts.Router,
		pairing:    opts.Pairing,
		sessions:   opts.Sessions,
		commands:   opts.Commands,
		mentions:   opts.Mentions,
		dispatcher: opts.Dispatcher,
		nowFunc:    time.Now,
	}
}

// Start opens the account's connection and registers it for the outbound
// path. A missing WebSocket URL fails here, before any network attempt.
func (g *Gateway) Start() error {
	acct := g.account()
	if !acct.Configured() {
		return fmt.Errorf("onebot: account %s has no ws_url", g.accountID)
	}

	client, err := NewClient(ClientOptions{
		Account:     g.accountID,
		URL:         acct.WSUrl,
		AccessToken: acct.AccessToken,
		ReconnectMS: acct.ReconnectMS,
		Handlers: Handlers{
			OnOpen: func() {
				logger.InfoCF(ChannelName, "Account connected", map[string]interface{}{
					"account": g.accountID,
				})
			},
			OnEvent: g.HandleEvent,
		},
	})
	if err != nil {
		return err
	}
	client.SetSelf(SelfIdentity{Platform: acct.Platform, UserID: acct.SelfID})

	g.client = client
	if g.registry != nil {
		g.registry.Register(g.accountID, client)
	}
	client.Start()
	return nil
}

// Stop tears the connection down and removes it from the registry.
func (g *Gateway) Stop() {
	if g.client != nil {
		g.client.Stop()
	}
	if g.registry != nil {
		g.registry.Unregister(g.accountID)
	}
}

// HandleEvent runs the gating pipeline on one raw event. Checks run in
// order and the first failing one drops the event without side effects.
func (g *Gateway) HandleEvent(evt Event) {
	acct := g.account()

	if evt.Type != "message" || strings.TrimSpace(evt.DetailType) == "" {
		return
	}
	sender := strings.TrimSpace(evt.UserID)
	if sender == "" {
		return
	}

	selfID := g.resolveSelfID(evt, acct)
	if selfID != "" && sender == selfID {
		g.drop("self_origin", sender, "")
		return
	}

	target, ok := TargetFromEvent(evt.DetailType, evt.UserID, evt.GroupID, evt.GuildID, evt.ChannelID)
	if !ok {
		g.drop("no_target", sender, evt.DetailType)
		return
	}

	text := renderEventText(evt)
	if text == "" {
		g.drop("empty_text", sender, target.String())
		return
	}

	pairingAllowed := g.pairingAllowed()

	isGroup := target.Kind != TargetUser
	var groupEntry *config.OneBotGroupConfig

	if isGroup {
		entry, reason := admitGroup(acct, target, sender, pairingAllowed)
		if reason != "" {
			g.drop(reason, sender, target.String())
			return
		}
		groupEntry = entry
	} else {
		reason, requested := g.admitDirect(acct, sender, pairingAllowed)
		if requested {
			return
		}
		if reason != "" {
			g.drop(reason, sender, target.String())
			return
		}
	}

	senderAllowed := g.senderAuthorized(acct, isGroup, sender, pairingAllowed)
	isCommand := g.commands != nil && g.commands.IsControlCommand(text)
	commandAuthorized := isCommand && acct.TextCommands && senderAllowed
	if isCommand && isGroup && !commandAuthorized {
		g.drop("unauthorized_command", sender, target.String())
		return
	}

	chatType := chatTypeFor(target)
	route := Route{AgentID: "main", SessionKey: ChannelName + ":" + g.accountID + ":" + target.String()}
	if g.router != nil {
		route = g.router.ResolveAgentRoute(ChannelName, g.accountID, Peer{Kind: chatType, ID: target.String()})
	}

	mentioned := hasStructuredMention(evt, selfID) ||
		(g.mentions != nil && g.mentions.MatchMention(route.AgentID, text))

	if isGroup {
		requireMention := acct.RequireMention
		if groupEntry != nil && groupEntry.RequireMention != nil {
			requireMention = *groupEntry.RequireMention
		}
		if requireMention && !mentioned && !commandAuthorized {
			g.drop("mention_required", sender, target.String())
			return
		}
	}

	g.accept(acct, evt, target, route, chatType, sender, selfID, text, isCommand, commandAuthorized, mentioned)
}

func (g *Gateway) accept(acct config.Account, evt Event, target Target, route Route, chatType, sender, selfID, text string, isCommand, commandAuthorized, mentioned bool) {
	timestamp := evt.Time
	if timestamp <= 0 {
		timestamp = g.nowFunc().UnixMilli()
	}

	commandText := ""
	if isCommand {
		commandText = text
	}

	to := ""
	if selfID != "" {
		to = ChannelName + ":" + (Target{Kind: TargetUser, UserID: selfID}).String()
	}

	envelope := fmt.Sprintf("[%s:%s] %s (%s): %s",
		ChannelName, g.accountID, sender,
		time.UnixMilli(timestamp).Format("2006-01-02 15:04:05"), text)

	msg := InboundContext{
		Channel:           ChannelName,
		Account:           g.accountID,
		AgentID:           route.AgentID,
		SessionKey:        route.SessionKey,
		RawText:           text,
		CommandText:       commandText,
		From:              ChannelName + ":" + target.String(),
		To:                to,
		ChatType:          chatType,
		SenderID:          sender,
		Mentioned:         mentioned,
		CommandAuthorized: commandAuthorized,
		Provider:          ChannelName,
		Surface:           acct.Platform,
		MessageID:         evt.MessageID,
		Timestamp:         timestamp,
		Envelope:          envelope,
	}

	if g.sessions != nil {
		if err := g.sessions.Append(route.SessionKey, "user", envelope); err != nil {
			logger.WarnCF(ChannelName, "Session record failed", map[string]interface{}{
				"account": g.accountID,
				"session": route.SessionKey,
				"error":   err.Error(),
			})
		}
	}

	logger.DebugCF(ChannelName, "Event accepted", map[string]interface{}{
		"account": g.accountID,
		"session": route.SessionKey,
		"sender":  sender,
		"text":    utils.Truncate(text, 120),
	})

	if g.dispatcher == nil {
		return
	}
	if err := g.dispatcher.DispatchInbound(context.Background(), msg); err != nil {
		logger.ErrorCF(ChannelName, "Inbound dispatch failed", map[string]interface{}{
			"account": g.accountID,
			"session": route.SessionKey,
			"error":   err.Error(),
		})
	}
}

// admitGroup applies pipeline step 4. An empty reason admits; the returned
// entry is the matched groups-map entry, if any, for mention overrides.
func admitGroup(acct config.Account, target Target, sender string, pairingAllowed []string) (*config.OneBotGroupConfig, string) {
	groupKey := target.GroupID
	if target.Kind == TargetChannel {
		// Channels keep the full composite address as the config key so two
		// guilds never collide on a bare channel id.
		groupKey = target.String()
	}

	var matched *config.OneBotGroupConfig
	if len(acct.Groups) > 0 {
		entry, ok := acct.Groups[groupKey]
		if !ok {
			entry, ok = acct.Groups["*"]
		}
		if !ok {
			return nil, "not allowlisted"
		}
		if entry.Enabled != nil && !*entry.Enabled {
			return nil, "group_entry_disabled"
		}
		matched = &entry
	}

	switch acct.GroupPolicy {
	case "disabled":
		return nil, "group_policy_disabled"
	case "open":
		return matched, ""
	}

	source := acct.GroupAllowFrom
	if len(source) == 0 {
		source = acct.AllowFrom
	}
	if !NewAllowlist(source, pairingAllowed).Allows(sender) {
		return nil, "group_sender_not_allowed"
	}
	return matched, ""
}

// admitDirect applies pipeline step 5. requested means a pairing request was
// handled and the event is already dropped.
func (g *Gateway) admitDirect(acct config.Account, sender string, pairingAllowed []string) (reason string, requested bool) {
	switch acct.DMPolicy {
	case "disabled":
		return "dm_policy_disabled", false
	case "open":
		return "", false
	}

	if NewAllowlist(acct.AllowFrom, pairingAllowed).Allows(sender) {
		return "", false
	}

	if acct.DMPolicy == "pairing" && g.pairing != nil {
		g.handlePairingRequest(sender)
		return "", true
	}
	return "dm_sender_not_allowed", false
}

// handlePairingRequest upserts the request and sends the code once, on
// creation only. Send failures are logged and swallowed.
func (g *Gateway) handlePairingRequest(sender string) {
	code, created, err := g.pairing.UpsertRequest(ChannelName, sender)
	if err != nil {
		logger.WarnCF(ChannelName, "Pairing upsert failed", map[string]interface{}{
			"account": g.accountID,
			"sender":  sender,
			"error":   err.Error(),
		})
		return
	}
	g.drop("pairing_pending", sender, "")
	if !created || g.sender == nil {
		return
	}

	reply := g.pairing.BuildPairingReply(code)
	to := (Target{Kind: TargetUser, UserID: sender}).String()
	if err := g.sender.SendReply(context.Background(), g.accountID, to, reply, nil); err != nil {
		logger.WarnCF(ChannelName, "Pairing reply send failed", map[string]interface{}{
			"account": g.accountID,
			"sender":  sender,
			"error":   err.Error(),
		})
	}
}

// senderAuthorized checks command authorization against the allowlist
// relevant to the chat kind.
func (g *Gateway) senderAuthorized(acct config.Account, isGroup bool, sender string, pairingAllowed []string) bool {
	if isGroup {
		source := acct.GroupAllowFrom
		if len(source) == 0 {
			source = acct.AllowFrom
		}
		return NewAllowlist(source, pairingAllowed).Allows(sender)
	}
	return NewAllowlist(acct.AllowFrom, pairingAllowed).Allows(sender)
}

func (g *Gateway) pairingAllowed() []string {
	if g.pairing == nil {
		return nil
	}
	allowed, err := g.pairing.Allowed(ChannelName)
	if err != nil {
		logger.WarnCF(ChannelName, "Pairing store read failed", map[string]interface{}{
			"account": g.accountID,
			"error":   err.Error(),
		})
		return nil
	}
	return allowed
}

func (g *Gateway) resolveSelfID(evt Event, acct config.Account) string {
	if evt.Self != nil && evt.Self.UserID != "" {
		return evt.Self.UserID
	}
	if g.client != nil {
		if self := g.client.Self(); self.UserID != "" {
			return self.UserID
		}
	}
	return acct.SelfID
}

func (g *Gateway) drop(reason, sender, conversation string) {
	logger.DebugCF(ChannelName, "Event dropped", map[string]interface{}{
		"account":      g.accountID,
		"reason":       reason,
		"sender":       sender,
		"conversation": conversation,
	})
}

func chatTypeFor(target Target) string {
	switch target.Kind {
	case TargetGroup:
		return "group"
	case TargetChannel:
		return "channel"
	}
	return "direct"
}

// renderEventText resolves the display text: the flattened alt text when
// present, otherwise a rendering of the segment sequence.
func renderEventText(evt Event) string {
	if alt := strings.TrimSpace(evt.AltMessage); alt != "" {
		return alt
	}

	var b strings.Builder
	for _, seg := range evt.Message {
		switch seg.Type {
		case "text":
			b.WriteString(segmentString(seg, "text"))
		case "mention":
			if id := segmentString(seg, "user_id"); id != "" {
				b.WriteString("@" + id)
			} else {
				b.WriteString("@mention")
			}
		case "mention_all":
			b.WriteString("@all")
		default:
			b.WriteString("<" + seg.Type + ">")
		}
	}
	return strings.TrimSpace(b.String())
}

func hasStructuredMention(evt Event, selfID string) bool {
	for _, seg := range evt.Message {
		switch seg.Type {
		case "mention_all":
			return true
		case "mention":
			if selfID != "" && segmentString(seg, "user_id") == selfID {
				return true
			}
		}
	}
	return false
}

func segmentString(seg Segment, key string) string {
	if seg.Data == nil {
		return ""
	}
	switch v := seg.Data[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
