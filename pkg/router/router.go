package router

import (
	"fmt"
	"strings"

	"github.com/aiqinxuancai/clawdbot/pkg/onebot"
)

// Resolver maps (channel, account, peer) to an agent and a session key.
// Routing is deterministic: one configured default agent, one session per
// conversation.
type Resolver struct {
	defaultAgent string
}

func New(defaultAgent string) *Resolver {
	if strings.TrimSpace(defaultAgent) == "" {
		defaultAgent = "main"
	}
	return &Resolver{defaultAgent: defaultAgent}
}

func (r *Resolver) ResolveAgentRoute(channel, account string, peer onebot.Peer) onebot.Route {
	conversation := onebot.NormalizeTarget(peer.ID)
	return onebot.Route{
		AgentID:    r.defaultAgent,
		SessionKey: fmt.Sprintf("agent:%s:%s:%s:%s", r.defaultAgent, channel, account, conversation),
	}
}
