package onebot

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aiqinxuancai/clawdbot/pkg/logger"
)

const (
	defaultActionTimeout     = 10 * time.Second
	minReconnectInterval     = 1000 * time.Millisecond
	defaultHandshakeDeadline = 10 * time.Second
)

// SelfIdentity is the bot's own identity as reported by the endpoint.
type SelfIdentity struct {
	Platform string `json:"platform,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// Segment is one OneBot 12 message segment.
type Segment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Event is an unsolicited frame pushed by the endpoint.
type Event struct {
	Type       string
	DetailType string
	SubType    string
	MessageID  string
	UserID     string
	GroupID    string
	GuildID    string
	ChannelID  string
	AltMessage string
	Message    []Segment
	Self       *SelfIdentity
	Time       int64 // unix milliseconds
}

// ActionResponse is the endpoint's reply to one echo-correlated action.
type ActionResponse struct {
	Status  string          `json:"status"`
	RetCode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Echo    string          `json:"echo"`
}

// OK reports whether the endpoint accepted the action.
func (r *ActionResponse) OK() bool {
	return r != nil && r.Status == "ok" && r.RetCode == 0
}

// ActionOptions tunes a single SendAction call.
type ActionOptions struct {
	Timeout time.Duration
	Self    *SelfIdentity
}

// Handlers are the client's lifecycle callbacks. All of them are optional
// and run on the connection's read goroutine.
type Handlers struct {
	OnOpen  func()
	OnEvent func(Event)
	OnError func(error)
	OnClose func(err error)
}

type pendingResult struct {
	resp *ActionResponse
	err  error
}

type pendingEntry struct {
	echo     string
	action   string
	deadline time.Time
	timeout  time.Duration
	waiter   chan pendingResult
	index    int
}

// deadlineHeap orders pending actions by expiry so one timer covers them all.
type deadlineHeap []*pendingEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	entry := x.(*pendingEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// Client owns one WebSocket connection to one OneBot 12 endpoint. It sends
// echo-correlated actions, dispatches unsolicited events, and reconnects
// with a fixed backoff after any disconnect until stopped.
type Client struct {
	account     string
	url         string
	accessToken string
	reconnect   time.Duration
	handlers    Handlers

	mu             sync.Mutex
	conn           *websocket.Conn
	connGen        uint64
	stopped        bool
	reconnectTimer *time.Timer
	self           *SelfIdentity

	writeMu     sync.Mutex
	echoCounter atomic.Int64

	pendingMu   sync.Mutex
	pending     map[string]*pendingEntry
	deadlines   deadlineHeap
	expiryTimer *time.Timer

	nowFunc func() time.Time
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Account     string
	URL         string
	AccessToken string
	ReconnectMS int
	Handlers    Handlers
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("onebot: ws url not configured")
	}

	interval := time.Duration(opts.ReconnectMS) * time.Millisecond
	if interval < minReconnectInterval {
		interval = minReconnectInterval
	}

	return &Client{
		account:     opts.Account,
		url:         opts.URL,
		accessToken: opts.AccessToken,
		reconnect:   interval,
		handlers:    opts.Handlers,
		pending:     make(map[string]*pendingEntry),
		nowFunc:     time.Now,
	}, nil
}

// Start enters the connecting state. It is a no-op once Stop has been called.
func (c *Client) Start() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go c.connect()
}

// Run starts the client and blocks until ctx is cancelled, then stops it.
func (c *Client) Run(ctx context.Context) {
	c.Start()
	<-ctx.Done()
	c.Stop()
}

// Stop is idempotent: it cancels any scheduled reconnect, closes the socket
// and fails every pending action.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.failAllPending(fmt.Errorf("onebot: client stopped"))
	logger.InfoCF("onebot", "Client stopped", map[string]interface{}{
		"account": c.account,
	})
}

// IsOpen reports whether a socket is currently established.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Self returns the last identity observed on an inbound event, or the
// zero identity when none has been seen yet.
func (c *Client) Self() SelfIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return SelfIdentity{}
	}
	return *c.self
}

// SetSelf seeds the identity attached to outbound actions, typically from
// account configuration before the first event arrives.
func (c *Client) SetSelf(self SelfIdentity) {
	if self.Platform == "" && self.UserID == "" {
		return
	}
	c.mu.Lock()
	c.self = &self
	c.mu.Unlock()
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	dialURL, err := appendAccessToken(c.url, c.accessToken)
	if err != nil {
		logger.ErrorCF("onebot", "Invalid WebSocket URL", map[string]interface{}{
			"account": c.account,
			"url":     SanitizeURL(c.url),
			"error":   err.Error(),
		})
		return
	}

	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeDeadline}
	conn, _, err := dialer.Dial(dialURL, header)
	if err != nil {
		logger.WarnCF("onebot", "Connect failed, scheduling retry", map[string]interface{}{
			"account": c.account,
			"url":     SanitizeURL(c.url),
			"error":   err.Error(),
		})
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	logger.InfoCF("onebot", "WebSocket connected", map[string]interface{}{
		"account": c.account,
		"url":     SanitizeURL(c.url),
	})

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}

	go c.readLoop(conn, gen)
}

// scheduleReconnect arms the single retry timer. Rapid repeated closes never
// arm more than one.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.reconnect, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.connect()
	})
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}
		c.handleFrame(payload)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	// A stale read loop from an already-replaced socket must not tear down
	// the live connection.
	if c.conn != conn || c.connGen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	stopped := c.stopped
	c.mu.Unlock()

	conn.Close()

	if !stopped {
		logger.WarnCF("onebot", "WebSocket closed", map[string]interface{}{
			"account": c.account,
			"error":   err.Error(),
		})
	}

	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}

	c.failAllPending(fmt.Errorf("onebot: connection closed"))

	if !stopped {
		c.scheduleReconnect()
	}
}

func (c *Client) handleFrame(payload []byte) {
	var probe struct {
		Status     json.RawMessage `json:"status"`
		Echo       json.RawMessage `json:"echo"`
		Type       json.RawMessage `json:"type"`
		DetailType json.RawMessage `json:"detail_type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		logger.WarnCF("onebot", "Dropping unparseable frame", map[string]interface{}{
			"account": c.account,
			"error":   err.Error(),
		})
		return
	}

	if _, isStatus := jsonString(probe.Status); isStatus {
		if echo, isEcho := jsonString(probe.Echo); isEcho {
			c.dispatchResponse(echo, payload)
			return
		}
	}

	typ, hasType := jsonString(probe.Type)
	detail, hasDetail := jsonString(probe.DetailType)
	if hasType && hasDetail && typ != "" && detail != "" {
		c.dispatchEvent(payload)
		return
	}

	logger.DebugCF("onebot", "Dropping frame matching neither shape", map[string]interface{}{
		"account": c.account,
		"length":  len(payload),
	})
}

func (c *Client) dispatchResponse(echo string, payload []byte) {
	var resp ActionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		resp = ActionResponse{Echo: echo, Status: "failed", Message: "unparseable response"}
	}
	if resp.Echo == "" {
		resp.Echo = echo
	}

	c.pendingMu.Lock()
	entry, ok := c.pending[resp.Echo]
	if ok {
		c.removeEntryLocked(entry)
	}
	c.pendingMu.Unlock()

	// Unmatched echoes arrive after a timeout or were never ours; drop them.
	if !ok {
		return
	}
	entry.waiter <- pendingResult{resp: &resp}
}

type rawEvent struct {
	Type       string          `json:"type"`
	DetailType string          `json:"detail_type"`
	SubType    string          `json:"sub_type"`
	MessageID  json.RawMessage `json:"message_id"`
	UserID     json.RawMessage `json:"user_id"`
	GroupID    json.RawMessage `json:"group_id"`
	GuildID    json.RawMessage `json:"guild_id"`
	ChannelID  json.RawMessage `json:"channel_id"`
	AltMessage string          `json:"alt_message"`
	Message    []Segment       `json:"message"`
	Self       *SelfIdentity   `json:"self"`
	Time       json.RawMessage `json:"time"`
}

func (c *Client) dispatchEvent(payload []byte) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		logger.WarnCF("onebot", "Failed to decode event", map[string]interface{}{
			"account": c.account,
			"error":   err.Error(),
		})
		return
	}

	evt := Event{
		Type:       raw.Type,
		DetailType: raw.DetailType,
		SubType:    raw.SubType,
		MessageID:  jsonScalarString(raw.MessageID),
		UserID:     jsonScalarString(raw.UserID),
		GroupID:    jsonScalarString(raw.GroupID),
		GuildID:    jsonScalarString(raw.GuildID),
		ChannelID:  jsonScalarString(raw.ChannelID),
		AltMessage: raw.AltMessage,
		Message:    raw.Message,
		Self:       raw.Self,
	}
	if seconds, err := jsonFloat(raw.Time); err == nil && seconds > 0 {
		evt.Time = int64(seconds * 1000)
	}

	if raw.Self != nil && (raw.Self.UserID != "" || raw.Self.Platform != "") {
		c.mu.Lock()
		c.self = &SelfIdentity{Platform: raw.Self.Platform, UserID: raw.Self.UserID}
		c.mu.Unlock()
	}

	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(evt)
	}
}

// SendAction issues one echo-correlated action and blocks until the matching
// response arrives, the timeout fires, or ctx is cancelled. Every call
// resolves or fails exactly once; nothing is ever retried.
func (c *Client) SendAction(ctx context.Context, action string, params interface{}, opts *ActionOptions) (*ActionResponse, error) {
	c.mu.Lock()
	conn := c.conn
	self := c.self
	c.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("onebot: not connected")
	}

	timeout := defaultActionTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if opts != nil && opts.Self != nil {
		self = opts.Self
	}

	echo := fmt.Sprintf("onebot:%d:%d", c.nowFunc().UnixMilli(), c.echoCounter.Add(1))

	request := struct {
		Action string        `json:"action"`
		Params interface{}   `json:"params,omitempty"`
		Echo   string        `json:"echo"`
		Self   *SelfIdentity `json:"self,omitempty"`
	}{Action: action, Params: params, Echo: echo, Self: self}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("onebot: marshal action %s: %w", action, err)
	}

	waiter := c.registerPending(echo, action, timeout)

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(echo)
		return nil, fmt.Errorf("onebot: write action %s: %w", action, err)
	}

	select {
	case result := <-waiter:
		if result.err != nil {
			return nil, result.err
		}
		if !result.resp.OK() {
			return result.resp, fmt.Errorf("onebot: action %s failed: status=%s retcode=%d message=%s",
				action, result.resp.Status, result.resp.RetCode, result.resp.Message)
		}
		return result.resp, nil
	case <-ctx.Done():
		c.removePending(echo)
		return nil, ctx.Err()
	}
}

// registerPending adds one in-flight action to the pending set and the shared
// deadline heap. A single timer covers every pending action; it is re-armed
// whenever the earliest deadline changes.
func (c *Client) registerPending(echo, action string, timeout time.Duration) chan pendingResult {
	entry := &pendingEntry{
		echo:     echo,
		action:   action,
		deadline: time.Now().Add(timeout),
		timeout:  timeout,
		waiter:   make(chan pendingResult, 1),
	}
	c.pendingMu.Lock()
	c.pending[echo] = entry
	heap.Push(&c.deadlines, entry)
	c.armExpiryLocked()
	c.pendingMu.Unlock()
	return entry.waiter
}

func (c *Client) removePending(echo string) {
	c.pendingMu.Lock()
	if entry, ok := c.pending[echo]; ok {
		c.removeEntryLocked(entry)
	}
	c.pendingMu.Unlock()
}

func (c *Client) removeEntryLocked(entry *pendingEntry) {
	delete(c.pending, entry.echo)
	if entry.index >= 0 {
		heap.Remove(&c.deadlines, entry.index)
	}
	c.armExpiryLocked()
}

func (c *Client) armExpiryLocked() {
	if c.deadlines.Len() == 0 {
		if c.expiryTimer != nil {
			c.expiryTimer.Stop()
		}
		return
	}
	wait := time.Until(c.deadlines[0].deadline)
	if wait < 0 {
		wait = 0
	}
	if c.expiryTimer == nil {
		c.expiryTimer = time.AfterFunc(wait, c.expirePending)
		return
	}
	c.expiryTimer.Reset(wait)
}

// expirePending fails every action whose deadline has passed and re-arms the
// timer for the next one.
func (c *Client) expirePending() {
	now := time.Now()

	var expired []*pendingEntry
	c.pendingMu.Lock()
	for c.deadlines.Len() > 0 && !c.deadlines[0].deadline.After(now) {
		entry := heap.Pop(&c.deadlines).(*pendingEntry)
		delete(c.pending, entry.echo)
		expired = append(expired, entry)
	}
	c.armExpiryLocked()
	c.pendingMu.Unlock()

	for _, entry := range expired {
		entry.waiter <- pendingResult{
			err: fmt.Errorf("onebot: action %s timed out after %s", entry.action, entry.timeout),
		}
	}
}

func (c *Client) failAllPending(cause error) {
	c.pendingMu.Lock()
	entries := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.deadlines = nil
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	c.pendingMu.Unlock()

	for _, entry := range entries {
		entry.waiter <- pendingResult{err: cause}
	}
}

// appendAccessToken adds the token as a query parameter unless the URL
// already carries one.
func appendAccessToken(rawURL, token string) (string, error) {
	parsed, err := neturl.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if token == "" {
		return rawURL, nil
	}
	query := parsed.Query()
	if query.Get("access_token") == "" {
		query.Set("access_token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// SanitizeURL redacts any access_token query value so tokens never reach
// the log output.
func SanitizeURL(rawURL string) string {
	parsed, err := neturl.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	query := parsed.Query()
	if query.Get("access_token") != "" {
		query.Set("access_token", "redacted")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// jsonScalarString renders a JSON string or number id as a string, so ids
// survive endpoints that emit either form.
func jsonScalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return ""
}

func jsonFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	return 0, fmt.Errorf("cannot parse as number: %s", string(raw))
}
