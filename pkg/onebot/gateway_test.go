package onebot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiqinxuancai/clawdbot/pkg/commands"
	"github.com/aiqinxuancai/clawdbot/pkg/config"
)

type captureDispatcher struct {
	msgs []InboundContext
}

func (d *captureDispatcher) DispatchInbound(ctx context.Context, msg InboundContext) error {
	d.msgs = append(d.msgs, msg)
	return nil
}

type captureSessions struct {
	keys   []string
	bodies []string
}

func (s *captureSessions) Append(sessionKey, role, body string) error {
	s.keys = append(s.keys, sessionKey)
	s.bodies = append(s.bodies, body)
	return nil
}

type fakePairing struct {
	allowed []string
	upserts int
	seen    map[string]bool
}

func (p *fakePairing) UpsertRequest(channel, sender string) (string, bool, error) {
	p.upserts++
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	created := !p.seen[sender]
	p.seen[sender] = true
	return "CODE1234", created, nil
}

func (p *fakePairing) Allowed(channel string) ([]string, error) {
	return p.allowed, nil
}

func (p *fakePairing) BuildPairingReply(code string) string {
	return "approve " + code
}

func newTestGateway(acct config.Account, pairing PairingService) (*Gateway, *captureDispatcher, *captureSessions) {
	dispatcher := &captureDispatcher{}
	sessions := &captureSessions{}
	gateway := NewGateway(GatewayOptions{
		AccountID:  "default",
		Account:    func() config.Account { return acct },
		Pairing:    pairing,
		Sessions:   sessions,
		Commands:   commands.Detector{},
		Dispatcher: dispatcher,
	})
	return gateway, dispatcher, sessions
}

func privateEvent(sender, text string) Event {
	return Event{
		Type:       "message",
		DetailType: "private",
		MessageID:  "m1",
		UserID:     sender,
		AltMessage: text,
	}
}

func groupEvent(sender, group, text string) Event {
	return Event{
		Type:       "message",
		DetailType: "group",
		MessageID:  "m2",
		UserID:     sender,
		GroupID:    group,
		AltMessage: text,
	}
}

func boolPtr(v bool) *bool { return &v }

func TestHandleEvent_DMOpenAccepted(t *testing.T) {
	gateway, dispatcher, sessions := newTestGateway(config.Account{
		ID:       "default",
		DMPolicy: "open",
	}, nil)

	gateway.HandleEvent(privateEvent("123", "hello there"))

	if len(dispatcher.msgs) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(dispatcher.msgs))
	}
	msg := dispatcher.msgs[0]
	if msg.SenderID != "123" {
		t.Fatalf("sender_id = %q, want %q", msg.SenderID, "123")
	}
	if msg.ChatType != "direct" {
		t.Fatalf("chat_type = %q, want %q", msg.ChatType, "direct")
	}
	if msg.From != "onebot:user:123" {
		t.Fatalf("from = %q, want %q", msg.From, "onebot:user:123")
	}
	if msg.RawText != "hello there" {
		t.Fatalf("raw_text = %q, want %q", msg.RawText, "hello there")
	}
	if len(sessions.bodies) != 1 || !strings.Contains(sessions.bodies[0], "hello there") {
		t.Fatalf("session envelope = %#v, want recorded text", sessions.bodies)
	}
	if !strings.HasPrefix(sessions.bodies[0], "[onebot:default] 123 (") {
		t.Fatalf("envelope = %q, want channel/account/sender prefix", sessions.bodies[0])
	}
}

func TestHandleEvent_SelfOriginDropped(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		DMPolicy: "open",
		SelfID:   "999",
	}, nil)

	gateway.HandleEvent(privateEvent("999", "echo of my own message"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("self-origin event dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_NonMessageDropped(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{DMPolicy: "open"}, nil)

	gateway.HandleEvent(Event{Type: "notice", DetailType: "private", UserID: "123", AltMessage: "x"})
	gateway.HandleEvent(Event{Type: "message", DetailType: "", UserID: "123", AltMessage: "x"})

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("non-message events dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_EmptyTextDropped(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{DMPolicy: "open"}, nil)

	gateway.HandleEvent(Event{Type: "message", DetailType: "private", UserID: "123"})

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("empty-text event dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_DMDisabledDropped(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{DMPolicy: "disabled"}, nil)

	gateway.HandleEvent(privateEvent("123", "hi"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("disabled-policy event dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_DMAllowlist(t *testing.T) {
	acct := config.Account{
		DMPolicy:  "allowlist",
		AllowFrom: []string{"123"},
	}

	gateway, dispatcher, _ := newTestGateway(acct, nil)
	gateway.HandleEvent(privateEvent("123", "hi"))
	if len(dispatcher.msgs) != 1 {
		t.Fatalf("allowlisted sender not dispatched")
	}

	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(privateEvent("124", "hi"))
	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unlisted sender dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_PairingRequestOnce(t *testing.T) {
	pairing := &fakePairing{}
	gateway, dispatcher, _ := newTestGateway(config.Account{DMPolicy: "pairing"}, pairing)

	gateway.HandleEvent(privateEvent("123", "hi"))
	gateway.HandleEvent(privateEvent("123", "still waiting"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unpaired sender dispatched: %+v", dispatcher.msgs)
	}
	if pairing.upserts != 2 {
		t.Fatalf("upserts = %d, want 2", pairing.upserts)
	}
}

func TestHandleEvent_PairingReplySentOnce(t *testing.T) {
	sent := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Action string `json:"action"`
				Echo   string `json:"echo"`
			}
			if err := json.Unmarshal(payload, &req); err != nil {
				continue
			}
			if req.Action == "send_message" {
				sent <- string(payload)
			}
			out, _ := json.Marshal(map[string]interface{}{
				"status":  "ok",
				"retcode": 0,
				"echo":    req.Echo,
			})
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{Account: "default", URL: wsURL(server)})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.Start()
	defer client.Stop()
	waitOpen(t, client)

	registry := NewRegistry()
	registry.Register("default", client)

	pairing := &fakePairing{}
	dispatcher := &captureDispatcher{}
	gateway := NewGateway(GatewayOptions{
		AccountID:  "default",
		Account:    func() config.Account { return config.Account{DMPolicy: "pairing"} },
		Registry:   registry,
		Sender:     NewSender(registry),
		Pairing:    pairing,
		Commands:   commands.Detector{},
		Dispatcher: dispatcher,
	})

	gateway.HandleEvent(privateEvent("123", "hi"))
	gateway.HandleEvent(privateEvent("123", "still waiting"))

	// The first message creates the request and sends the code.
	select {
	case payload := <-sent:
		if !strings.Contains(payload, "CODE1234") {
			t.Fatalf("pairing reply = %q, want code included", payload)
		}
		if !strings.Contains(payload, `"user_id":"123"`) {
			t.Fatalf("pairing reply = %q, want addressed to sender", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pairing reply never sent")
	}

	// The repeat message must stay silent.
	select {
	case payload := <-sent:
		t.Fatalf("repeat message triggered a second reply: %q", payload)
	case <-time.After(200 * time.Millisecond):
	}

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unpaired sender dispatched: %+v", dispatcher.msgs)
	}
	if pairing.upserts != 2 {
		t.Fatalf("upserts = %d, want 2", pairing.upserts)
	}
}

func TestHandleEvent_PairedSenderAccepted(t *testing.T) {
	pairing := &fakePairing{allowed: []string{"123"}}
	gateway, dispatcher, _ := newTestGateway(config.Account{DMPolicy: "pairing"}, pairing)

	gateway.HandleEvent(privateEvent("123", "hi"))

	if len(dispatcher.msgs) != 1 {
		t.Fatalf("approved sender not dispatched")
	}
	if pairing.upserts != 0 {
		t.Fatalf("upserts = %d, want 0 for approved sender", pairing.upserts)
	}
}

func TestHandleEvent_GroupOpenNoMention(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		RequireMention: false,
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "hi"))

	if len(dispatcher.msgs) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(dispatcher.msgs))
	}
	msg := dispatcher.msgs[0]
	if msg.ChatType != "group" {
		t.Fatalf("chat_type = %q, want %q", msg.ChatType, "group")
	}
	if msg.From != "onebot:group:456" {
		t.Fatalf("from = %q, want %q", msg.From, "onebot:group:456")
	}
}

func TestHandleEvent_GroupsMapAdmission(t *testing.T) {
	acct := config.Account{
		GroupPolicy:    "open",
		RequireMention: false,
		Groups: map[string]config.OneBotGroupConfig{
			"5": {},
		},
	}

	gateway, dispatcher, _ := newTestGateway(acct, nil)
	gateway.HandleEvent(groupEvent("123", "5", "hi"))
	if len(dispatcher.msgs) != 1 {
		t.Fatal("configured group not admitted")
	}

	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(groupEvent("123", "6", "hi"))
	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unlisted group dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_GroupsMapWildcard(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		RequireMention: false,
		Groups: map[string]config.OneBotGroupConfig{
			"*": {},
		},
	}, nil)

	gateway.HandleEvent(groupEvent("123", "6", "hi"))

	if len(dispatcher.msgs) != 1 {
		t.Fatal("wildcard entry should admit any group")
	}
}

func TestHandleEvent_GroupEntryDisabled(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		RequireMention: false,
		Groups: map[string]config.OneBotGroupConfig{
			"5": {Enabled: boolPtr(false)},
		},
	}, nil)

	gateway.HandleEvent(groupEvent("123", "5", "hi"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("disabled group entry dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_ChannelUsesCompositeGroupKey(t *testing.T) {
	acct := config.Account{
		GroupPolicy:    "open",
		RequireMention: false,
		Groups: map[string]config.OneBotGroupConfig{
			"channel:g1:c1": {},
		},
	}

	channelEvt := Event{
		Type:       "message",
		DetailType: "channel",
		MessageID:  "m3",
		UserID:     "123",
		GuildID:    "g1",
		ChannelID:  "c1",
		AltMessage: "hi",
	}

	gateway, dispatcher, _ := newTestGateway(acct, nil)
	gateway.HandleEvent(channelEvt)
	if len(dispatcher.msgs) != 1 {
		t.Fatal("composite channel key not admitted")
	}
	if dispatcher.msgs[0].From != "onebot:channel:g1:c1" {
		t.Fatalf("from = %q, want %q", dispatcher.msgs[0].From, "onebot:channel:g1:c1")
	}

	// A bare channel id must not match the composite key.
	acct.Groups = map[string]config.OneBotGroupConfig{"c1": {}}
	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(channelEvt)
	if len(dispatcher.msgs) != 0 {
		t.Fatalf("bare channel id admitted composite conversation: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_GroupPolicyDisabled(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "disabled",
		RequireMention: false,
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "hi"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("disabled group policy dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_GroupAllowlistPolicy(t *testing.T) {
	acct := config.Account{
		GroupPolicy:    "allowlist",
		GroupAllowFrom: []string{"123"},
		RequireMention: false,
	}

	gateway, dispatcher, _ := newTestGateway(acct, nil)
	gateway.HandleEvent(groupEvent("123", "456", "hi"))
	if len(dispatcher.msgs) != 1 {
		t.Fatal("allowlisted group sender not dispatched")
	}

	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(groupEvent("124", "456", "hi"))
	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unlisted group sender dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_GroupAllowlistFallsBackToAllowFrom(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "allowlist",
		AllowFrom:      []string{"123"},
		RequireMention: false,
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "hi"))

	if len(dispatcher.msgs) != 1 {
		t.Fatal("sender in shared allow_from not admitted")
	}
}

func TestHandleEvent_MentionRequired(t *testing.T) {
	acct := config.Account{
		GroupPolicy:    "open",
		RequireMention: true,
		SelfID:         "999",
	}

	gateway, dispatcher, _ := newTestGateway(acct, nil)
	gateway.HandleEvent(groupEvent("123", "456", "no mention here"))
	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unmentioned group message dispatched: %+v", dispatcher.msgs)
	}

	mentionEvt := Event{
		Type:       "message",
		DetailType: "group",
		MessageID:  "m4",
		UserID:     "123",
		GroupID:    "456",
		Message: []Segment{
			{Type: "mention", Data: map[string]interface{}{"user_id": "999"}},
			{Type: "text", Data: map[string]interface{}{"text": " hi"}},
		},
	}
	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(mentionEvt)
	if len(dispatcher.msgs) != 1 {
		t.Fatal("mentioned group message not dispatched")
	}
	if !dispatcher.msgs[0].Mentioned {
		t.Fatal("mentioned flag not set")
	}

	// Mentioning someone else is not a mention of the bot.
	otherEvt := mentionEvt
	otherEvt.Message = []Segment{
		{Type: "mention", Data: map[string]interface{}{"user_id": "777"}},
		{Type: "text", Data: map[string]interface{}{"text": " hi"}},
	}
	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(otherEvt)
	if len(dispatcher.msgs) != 0 {
		t.Fatalf("foreign mention dispatched: %+v", dispatcher.msgs)
	}

	allEvt := mentionEvt
	allEvt.Message = []Segment{
		{Type: "mention_all", Data: map[string]interface{}{}},
		{Type: "text", Data: map[string]interface{}{"text": " everyone"}},
	}
	gateway, dispatcher, _ = newTestGateway(acct, nil)
	gateway.HandleEvent(allEvt)
	if len(dispatcher.msgs) != 1 {
		t.Fatal("mention_all message not dispatched")
	}
}

type substringMentions struct {
	needle string
}

func (m substringMentions) MatchMention(agentID, text string) bool {
	return strings.Contains(strings.ToLower(text), m.needle)
}

func TestHandleEvent_PatternMentionSetsMentionedFlag(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		RequireMention: true,
		SelfID:         "999",
	}, nil)
	gateway.mentions = substringMentions{needle: "clawdbot"}

	gateway.HandleEvent(groupEvent("123", "456", "clawdbot, what time is it"))

	if len(dispatcher.msgs) != 1 {
		t.Fatal("pattern-mentioned group message not dispatched")
	}
	if !dispatcher.msgs[0].Mentioned {
		t.Fatal("mentioned flag not set for pattern mention")
	}
}

func TestHandleEvent_GroupMentionOverride(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		RequireMention: true,
		Groups: map[string]config.OneBotGroupConfig{
			"456": {RequireMention: boolPtr(false)},
		},
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "no mention needed"))

	if len(dispatcher.msgs) != 1 {
		t.Fatal("per-group mention override ignored")
	}
}

func TestHandleEvent_UnauthorizedGroupCommandDropped(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		GroupAllowFrom: []string{"999"},
		RequireMention: false,
		TextCommands:   true,
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "/reset"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("unauthorized group command dispatched: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_AuthorizedCommandBypassesMention(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		GroupAllowFrom: []string{"123"},
		RequireMention: true,
		TextCommands:   true,
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "/status"))

	if len(dispatcher.msgs) != 1 {
		t.Fatal("authorized command should bypass mention gating")
	}
	msg := dispatcher.msgs[0]
	if !msg.CommandAuthorized {
		t.Fatal("command_authorized not set")
	}
	if msg.CommandText != "/status" {
		t.Fatalf("command_text = %q, want %q", msg.CommandText, "/status")
	}
}

func TestHandleEvent_TextCommandsDisabled(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		GroupPolicy:    "open",
		GroupAllowFrom: []string{"123"},
		RequireMention: false,
		TextCommands:   false,
	}, nil)

	gateway.HandleEvent(groupEvent("123", "456", "/status"))

	if len(dispatcher.msgs) != 0 {
		t.Fatalf("command dispatched with text_commands disabled: %+v", dispatcher.msgs)
	}
}

func TestHandleEvent_DMCommandDowngradesToText(t *testing.T) {
	gateway, dispatcher, _ := newTestGateway(config.Account{
		DMPolicy:     "open",
		TextCommands: true,
	}, nil)

	gateway.HandleEvent(privateEvent("123", "/reset"))

	if len(dispatcher.msgs) != 1 {
		t.Fatal("direct-chat command should still be dispatched")
	}
	msg := dispatcher.msgs[0]
	if msg.CommandAuthorized {
		t.Fatal("unauthorized direct-chat command must not be authorized")
	}
	if msg.RawText != "/reset" {
		t.Fatalf("raw_text = %q, want command kept as plain text", msg.RawText)
	}
}

func TestRenderEventText(t *testing.T) {
	evt := Event{
		Message: []Segment{
			{Type: "mention", Data: map[string]interface{}{"user_id": "999"}},
			{Type: "text", Data: map[string]interface{}{"text": " look at "}},
			{Type: "image", Data: map[string]interface{}{"file_id": "abc"}},
			{Type: "mention_all"},
		},
	}
	got := renderEventText(evt)
	want := "@999 look at <image>@all"
	if got != want {
		t.Fatalf("renderEventText = %q, want %q", got, want)
	}

	evt.AltMessage = "  alt wins  "
	if got := renderEventText(evt); got != "alt wins" {
		t.Fatalf("renderEventText with alt = %q, want %q", got, "alt wins")
	}

	mentionOnly := Event{
		Message: []Segment{{Type: "mention", Data: map[string]interface{}{}}},
	}
	if got := renderEventText(mentionOnly); got != "@mention" {
		t.Fatalf("renderEventText = %q, want %q", got, "@mention")
	}
}

func TestSegmentString_NumericData(t *testing.T) {
	seg := Segment{Type: "mention", Data: map[string]interface{}{"user_id": float64(12345)}}
	if got := segmentString(seg, "user_id"); got != "12345" {
		t.Fatalf("segmentString = %q, want %q", got, "12345")
	}
}
