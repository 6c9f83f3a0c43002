package onebot

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiqinxuancai/clawdbot/pkg/logger"
)

const defaultChunkRunes = 2000

// Sender turns a reply payload into one or more send_message actions using
// the client registered for the account. It only reads the registry.
type Sender struct {
	registry   *Registry
	chunkRunes int
}

func NewSender(registry *Registry) *Sender {
	return &Sender{registry: registry, chunkRunes: defaultChunkRunes}
}

// SendReply delivers text plus media links to the given address. Media is
// appended as plain links after the text. Each chunk is one action; the
// first failed chunk aborts the rest.
func (s *Sender) SendReply(ctx context.Context, account, to, text string, mediaURLs []string) error {
	client, ok := s.registry.Lookup(account)
	if !ok {
		return fmt.Errorf("onebot: no client registered for account %s", account)
	}

	target, ok := ParseTarget(to)
	if !ok {
		return fmt.Errorf("onebot: unroutable address %q", to)
	}

	body := strings.TrimSpace(text)
	if links := joinMediaLinks(mediaURLs); links != "" {
		if body == "" {
			body = links
		} else {
			body = body + "\n" + links
		}
	}
	if body == "" {
		return nil
	}

	for _, chunk := range splitChunks(body, s.chunkRunes) {
		params := sendMessageParams(target, chunk)
		if _, err := client.SendAction(ctx, "send_message", params, nil); err != nil {
			return err
		}
	}

	logger.DebugCF("onebot", "Reply delivered", map[string]interface{}{
		"account": account,
		"to":      target.String(),
		"length":  len(body),
	})
	return nil
}

func sendMessageParams(target Target, text string) map[string]interface{} {
	params := map[string]interface{}{
		"message": []map[string]interface{}{
			{"type": "text", "data": map[string]interface{}{"text": text}},
		},
	}
	switch target.Kind {
	case TargetUser:
		params["detail_type"] = "private"
		params["user_id"] = target.UserID
	case TargetGroup:
		params["detail_type"] = "group"
		params["group_id"] = target.GroupID
	case TargetChannel:
		params["detail_type"] = "channel"
		params["guild_id"] = target.GuildID
		params["channel_id"] = target.ChannelID
	}
	return params
}

func joinMediaLinks(urls []string) string {
	links := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u != "" {
			links = append(links, u)
		}
	}
	return strings.Join(links, "\n")
}

// splitChunks splits on rune boundaries, preferring the last newline inside
// each window so paragraphs stay intact.
func splitChunks(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return chunks
}
