package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	LogLevel  string          `json:"log_level" env:"CLAWDBOT_LOG_LEVEL"`
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	ID              string   `json:"id" env:"CLAWDBOT_AGENTS_DEFAULTS_ID"`
	Workspace       string   `json:"workspace" env:"CLAWDBOT_AGENTS_DEFAULTS_WORKSPACE"`
	Model           string   `json:"model" env:"CLAWDBOT_AGENTS_DEFAULTS_MODEL"`
	MaxTokens       int      `json:"max_tokens" env:"CLAWDBOT_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature     float64  `json:"temperature" env:"CLAWDBOT_AGENTS_DEFAULTS_TEMPERATURE"`
	HistoryWindow   int      `json:"history_window" env:"CLAWDBOT_AGENTS_DEFAULTS_HISTORY_WINDOW"`
	MentionPatterns []string `json:"mention_patterns" env:"CLAWDBOT_AGENTS_DEFAULTS_MENTION_PATTERNS"`
}

type ChannelsConfig struct {
	OneBot OneBotConfig `json:"onebot"`
}

// OneBotGroupConfig is one entry in the per-account groups map. Both fields
// are tri-state: nil means "no override here".
type OneBotGroupConfig struct {
	Enabled        *bool `json:"enabled,omitempty"`
	RequireMention *bool `json:"require_mention,omitempty"`
}

// OneBotAccountConfig holds the per-account connection and policy fields.
// The same shape doubles as the shared defaults section; account values win
// field by field over the defaults.
type OneBotAccountConfig struct {
	Enabled        *bool                        `json:"enabled,omitempty"`
	WSUrl          string                       `json:"ws_url"`
	AccessToken    string                       `json:"access_token"`
	Platform       string                       `json:"platform"`
	SelfID         string                       `json:"self_id"`
	ReconnectMS    int                          `json:"reconnect_ms"`
	RequireMention *bool                        `json:"require_mention,omitempty"`
	TextCommands   *bool                        `json:"text_commands,omitempty"`
	DMPolicy       string                       `json:"dm_policy"`
	AllowFrom      FlexibleStringSlice          `json:"allow_from"`
	GroupPolicy    string                       `json:"group_policy"`
	GroupAllowFrom FlexibleStringSlice          `json:"group_allow_from"`
	Groups         map[string]OneBotGroupConfig `json:"groups,omitempty"`
}

type OneBotConfig struct {
	Enabled  bool                           `json:"enabled" env:"CLAWDBOT_CHANNELS_ONEBOT_ENABLED"`
	Defaults OneBotAccountConfig            `json:"defaults"`
	Accounts map[string]OneBotAccountConfig `json:"accounts"`
}

type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"CLAWDBOT_PROVIDERS_OPENAI_API_KEY"`
	APIBase string `json:"api_base" env:"CLAWDBOT_PROVIDERS_OPENAI_API_BASE"`
}

// Account is the resolved per-account view consumed by the bridge. It is
// recomputed on every resolution call, never stored.
type Account struct {
	ID             string
	Enabled        bool
	WSUrl          string
	AccessToken    string
	Platform       string
	SelfID         string
	ReconnectMS    int
	RequireMention bool
	TextCommands   bool
	DMPolicy       string
	AllowFrom      []string
	GroupPolicy    string
	GroupAllowFrom []string
	Groups         map[string]OneBotGroupConfig
}

// Configured reports whether the account has enough to open a connection.
func (a Account) Configured() bool {
	return strings.TrimSpace(a.WSUrl) != ""
}

// DefaultAccountID is the account key used when the accounts map is empty
// and the shared defaults section carries the connection settings directly.
const DefaultAccountID = "default"

// ResolveAccount merges the shared OneBot defaults with one account section.
// Unknown ids resolve against the defaults alone so that single-account
// configs need no accounts map at all.
func (c *Config) ResolveAccount(id string) Account {
	c.mu.RLock()
	defer c.mu.RUnlock()

	section := c.Channels.OneBot
	base := section.Defaults
	acct, found := section.Accounts[id]
	if !found {
		acct = OneBotAccountConfig{}
	}

	merged := Account{
		ID:             id,
		WSUrl:          firstNonEmpty(acct.WSUrl, base.WSUrl),
		AccessToken:    firstNonEmpty(acct.AccessToken, base.AccessToken),
		Platform:       firstNonEmpty(acct.Platform, base.Platform),
		SelfID:         firstNonEmpty(acct.SelfID, base.SelfID),
		ReconnectMS:    acct.ReconnectMS,
		DMPolicy:       firstNonEmpty(acct.DMPolicy, base.DMPolicy, "pairing"),
		GroupPolicy:    firstNonEmpty(acct.GroupPolicy, base.GroupPolicy, "allowlist"),
		AllowFrom:      append(append([]string{}, base.AllowFrom...), acct.AllowFrom...),
		GroupAllowFrom: append(append([]string{}, base.GroupAllowFrom...), acct.GroupAllowFrom...),
	}
	if merged.ReconnectMS <= 0 {
		merged.ReconnectMS = base.ReconnectMS
	}

	accountEnabled := true
	if acct.Enabled != nil {
		accountEnabled = *acct.Enabled
	} else if !found && base.Enabled != nil {
		accountEnabled = *base.Enabled
	}
	merged.Enabled = section.Enabled && accountEnabled

	merged.RequireMention = boolOverride(base.RequireMention, acct.RequireMention, true)
	merged.TextCommands = boolOverride(base.TextCommands, acct.TextCommands, true)

	merged.Groups = make(map[string]OneBotGroupConfig, len(base.Groups)+len(acct.Groups))
	for key, g := range base.Groups {
		merged.Groups[key] = g
	}
	for key, g := range acct.Groups {
		merged.Groups[key] = g
	}

	return merged
}

// AccountIDs lists the configured account ids, falling back to the implicit
// default account when the map is empty but the defaults carry a ws_url.
func (c *Config) AccountIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	section := c.Channels.OneBot
	if len(section.Accounts) == 0 {
		if strings.TrimSpace(section.Defaults.WSUrl) != "" {
			return []string{DefaultAccountID}
		}
		return nil
	}

	ids := make([]string, 0, len(section.Accounts))
	for id := range section.Accounts {
		ids = append(ids, id)
	}
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func boolOverride(base, acct *bool, fallback bool) bool {
	if acct != nil {
		return *acct
	}
	if base != nil {
		return *base
	}
	return fallback
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				ID:            "main",
				Workspace:     "~/.clawdbot/workspace",
				Model:         "gpt-4o-mini",
				MaxTokens:     4096,
				Temperature:   0.7,
				HistoryWindow: 20,
			},
		},
		Channels: ChannelsConfig{
			OneBot: OneBotConfig{
				Enabled: false,
				Defaults: OneBotAccountConfig{
					WSUrl:       "",
					ReconnectMS: 1000,
					DMPolicy:    "pairing",
					GroupPolicy: "allowlist",
					AllowFrom:   FlexibleStringSlice{},
				},
				Accounts: map[string]OneBotAccountConfig{},
			},
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
