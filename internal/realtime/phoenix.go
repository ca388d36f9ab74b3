package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// Topic names one postgres change stream.
type Topic struct {
	Schema string
	Table  string
	Filter string // e.g. owner_id=eq.<owner>
}

// String renders the Phoenix topic, realtime:<schema>:<table>[:<filter>].
func (t Topic) String() string {
	schemaName := t.Schema
	if schemaName == "" {
		schemaName = "public"
	}
	s := "realtime:" + schemaName + ":" + t.Table
	if t.Filter != "" {
		s += ":" + t.Filter
	}
	return s
}

// RawChange is one postgres change as delivered on the wire.
type RawChange struct {
	Type      string          `json:"type"` // INSERT, UPDATE or DELETE
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Feed is a source of postgres change streams.
type Feed interface {
	// Subscribe joins topic and delivers its changes to handler, in order, on
	// a goroutine owned by the feed.
	Subscribe(ctx context.Context, topic Topic, handler func(RawChange)) (Subscription, error)
}

// Subscription is an active topic join.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// message is a Phoenix v1 JSON frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// PhoenixConfig holds realtime socket settings.
type PhoenixConfig struct {
	// URL is the project base URL (http/https) or a full ws/wss socket URL.
	URL    string
	APIKey string

	// Heartbeat interval (default: 30s)
	Heartbeat time.Duration

	// JoinTimeout bounds the wait for a phx_join reply (default: 10s)
	JoinTimeout time.Duration

	// Reconnect backoff bounds (default: 1s to 30s)
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *log.Logger
}

// DefaultPhoenixConfig returns sensible defaults.
func DefaultPhoenixConfig() *PhoenixConfig {
	return &PhoenixConfig{
		Heartbeat:    30 * time.Second,
		JoinTimeout:  10 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// SocketURL derives the realtime websocket endpoint from a project URL.
func SocketURL(base, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path += "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type channel struct {
	topic   Topic
	joinRef string
	handler func(RawChange)
}

// PhoenixClient multiplexes topic joins over one websocket and reconnects
// (rejoining every topic) when the socket drops.
type PhoenixClient struct {
	config *PhoenixConfig
	url    string
	logger *log.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	ref      uint64
	channels map[string]*channel
	replies  map[string]chan replyPayload
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPhoenixClient creates a client. No connection is made until the first
// Subscribe.
func NewPhoenixClient(config *PhoenixConfig) (*PhoenixClient, error) {
	if config == nil {
		return nil, fmt.Errorf("realtime config is required")
	}
	defaults := DefaultPhoenixConfig()
	cfg := *config
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaults.Heartbeat
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaults.JoinTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaults.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaults.ReconnectMax, cfg.ReconnectMin)
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	wsURL, err := SocketURL(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PhoenixClient{
		config:   &cfg,
		url:      wsURL,
		logger:   cfg.Logger,
		channels: make(map[string]*channel),
		replies:  make(map[string]chan replyPayload),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (c *PhoenixClient) nextRef() string {
	c.ref++
	return strconv.FormatUint(c.ref, 10)
}

// start dials the socket once and launches the serve loop.
func (c *PhoenixClient) start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return syncerr.ErrClosed
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	c.started = true
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.serve(conn)
	return nil
}

func (c *PhoenixClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect realtime socket: %w: %w", syncerr.ErrNetworkUnavailable, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// serve owns the socket: it reads frames until the connection drops, then
// redials with backoff and rejoins every channel.
func (c *PhoenixClient) serve(conn *websocket.Conn) {
	defer c.wg.Done()

	backoff := c.config.ReconnectMin
	for {
		c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Printf("WARNING: realtime socket dropped, reconnecting")

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			conn, err = c.dial(c.ctx)
			if err == nil {
				break
			}
			c.logger.Printf("WARNING: reconnect failed: %v", err)
			backoff = min(backoff*2, c.config.ReconnectMax)
		}
		backoff = c.config.ReconnectMin

		c.mu.Lock()
		c.conn = conn
		chans := make([]*channel, 0, len(c.channels))
		for _, ch := range c.channels {
			chans = append(chans, ch)
		}
		c.mu.Unlock()

		for _, ch := range chans {
			if err := c.sendJoin(c.ctx, ch); err != nil {
				c.logger.Printf("WARNING: rejoin %s failed: %v", ch.topic, err)
			}
		}
		c.logger.Printf("Realtime socket reconnected (%d channels)", len(chans))
	}
}

func (c *PhoenixClient) readLoop(conn *websocket.Conn) {
	hbCtx, stopHeartbeat := context.WithCancel(c.ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			_ = conn.CloseNow()
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("WARNING: dropping malformed realtime frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *PhoenixClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ref := c.nextRef()
			c.mu.Unlock()
			if err := c.write(ctx, conn, message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: &ref}); err != nil {
				c.logger.Printf("WARNING: heartbeat failed: %v", err)
			}
		}
	}
}

func (c *PhoenixClient) dispatch(msg message) {
	switch msg.Event {
	case "phx_reply":
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil || msg.Ref == nil {
			return
		}
		c.mu.Lock()
		waiter, ok := c.replies[*msg.Ref]
		delete(c.replies, *msg.Ref)
		c.mu.Unlock()
		if ok {
			waiter <- reply
		} else if reply.Status != "ok" {
			c.logger.Printf("WARNING: %s replied %s: %s", msg.Topic, reply.Status, reply.Response)
		}
		return
	case "phx_error", "phx_close":
		c.logger.Printf("WARNING: channel %s: %s", msg.Topic, msg.Event)
		return
	case "heartbeat", "presence_state", "presence_diff", "system":
		return
	}

	change, ok := decodeChange(msg)
	if !ok {
		return
	}
	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()
	if ch != nil {
		ch.handler(change)
	}
}

// decodeChange accepts both payload shapes in use: the postgres_changes
// event wrapping {"data": {...}} and the bare INSERT/UPDATE/DELETE event.
func decodeChange(msg message) (RawChange, bool) {
	var change RawChange
	switch msg.Event {
	case "postgres_changes":
		var wrapped struct {
			Data RawChange `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &wrapped); err != nil {
			return change, false
		}
		change = wrapped.Data
	case "INSERT", "UPDATE", "DELETE":
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			return change, false
		}
		if change.Type == "" {
			change.Type = msg.Event
		}
	default:
		return change, false
	}
	change.Type = strings.ToUpper(change.Type)
	return change, change.Type != ""
}

func (c *PhoenixClient) write(ctx context.Context, conn *websocket.Conn, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *PhoenixClient) joinPayload(topic Topic) json.RawMessage {
	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": topicSchema(topic),
				"table":  topic.Table,
				"filter": topic.Filter,
			}},
		},
	}
	if c.config.APIKey != "" {
		payload["access_token"] = c.config.APIKey
	}
	data, _ := json.Marshal(payload)
	return data
}

func topicSchema(t Topic) string {
	if t.Schema == "" {
		return "public"
	}
	return t.Schema
}

// sendJoin writes phx_join for ch without waiting for the reply.
func (c *PhoenixClient) sendJoin(ctx context.Context, ch *channel) error {
	_, err := c.join(ctx, ch, false)
	return err
}

func (c *PhoenixClient) join(ctx context.Context, ch *channel, wait bool) (replyPayload, error) {
	c.mu.Lock()
	conn := c.conn
	ref := c.nextRef()
	ch.joinRef = ref
	var waiter chan replyPayload
	if wait {
		waiter = make(chan replyPayload, 1)
		c.replies[ref] = waiter
	}
	c.mu.Unlock()

	msg := message{Topic: ch.topic.String(), Event: "phx_join", Payload: c.joinPayload(ch.topic), Ref: &ref, JoinRef: &ref}
	if err := c.write(ctx, conn, msg); err != nil {
		c.dropReply(ref)
		return replyPayload{}, fmt.Errorf("failed to send join: %w: %w", syncerr.ErrNetworkUnavailable, err)
	}
	if !wait {
		return replyPayload{}, nil
	}

	timer := time.NewTimer(c.config.JoinTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		c.dropReply(ref)
		return replyPayload{}, syncerr.Transient("join "+ch.topic.String(), errors.New("no reply"))
	case <-ctx.Done():
		c.dropReply(ref)
		return replyPayload{}, ctx.Err()
	}
}

func (c *PhoenixClient) dropReply(ref string) {
	c.mu.Lock()
	delete(c.replies, ref)
	c.mu.Unlock()
}

// Subscribe implements Feed. Joining a topic that is already joined
// replaces its handler.
func (c *PhoenixClient) Subscribe(ctx context.Context, topic Topic, handler func(RawChange)) (Subscription, error) {
	if err := c.start(ctx); err != nil {
		return nil, err
	}

	key := topic.String()
	ch := &channel{topic: topic, handler: handler}

	c.mu.Lock()
	c.channels[key] = ch
	c.mu.Unlock()

	reply, err := c.join(ctx, ch, true)
	if err == nil && reply.Status != "ok" {
		err = fmt.Errorf("join %s: %w: %s %s", key, syncerr.ErrRemoteRejected, reply.Status, reply.Response)
	}
	if err != nil {
		c.mu.Lock()
		if c.channels[key] == ch {
			delete(c.channels, key)
		}
		c.mu.Unlock()
		return nil, err
	}

	c.logger.Printf("Joined %s", key)
	return &phoenixSubscription{client: c, ch: ch}, nil
}

type phoenixSubscription struct {
	client *PhoenixClient
	ch     *channel
	once   sync.Once
}

// Unsubscribe sends phx_leave. Calling it more than once is a no-op.
func (s *phoenixSubscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		c := s.client
		key := s.ch.topic.String()

		c.mu.Lock()
		if c.channels[key] != s.ch {
			// Replaced by a newer join of the same topic.
			c.mu.Unlock()
			return
		}
		delete(c.channels, key)
		conn := c.conn
		ref := c.nextRef()
		joinRef := s.ch.joinRef
		c.mu.Unlock()

		if conn == nil || c.ctx.Err() != nil {
			return
		}
		msg := message{Topic: key, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: &ref, JoinRef: &joinRef}
		if werr := c.write(ctx, conn, msg); werr != nil {
			c.logger.Printf("WARNING: leave %s failed: %v", key, werr)
			return
		}
		c.logger.Printf("Left %s", key)
	})
	return nil
}

// Close shuts the socket down and stops reconnecting.
func (c *PhoenixClient) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.wg.Wait()
	return nil
}
