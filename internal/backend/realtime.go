package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=realtime.go -destination=mock_wsconn_test.go -package=backend -mock_names=wsConn=MockWSConn

const (
	// heartbeatInterval is how often a heartbeat is sent on the phoenix
	// topic. A heartbeat still unanswered when the next one is due means
	// the socket is dead.
	heartbeatInterval = 25 * time.Second

	// joinTimeout bounds how long a join may go unanswered before the
	// channel is reported as timed out.
	joinTimeout = 10 * time.Second

	// pushTimeout bounds control frames sent outside a caller context.
	pushTimeout = 5 * time.Second

	realtimeReadLimit = 4 * 1024 * 1024

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

var errHeartbeatTimeout = errors.New("heartbeat timed out")

// wsConn abstracts the WebSocket connection so Socket can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("dialing realtime: %w", err)}
	}

	return conn, nil
}

// frame is one outbound realtime message.
type frame struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
	JoinRef string `json:"join_ref,omitempty"`
}

// Socket is the realtime transport of a connection handle.
//
// A reader goroutine owns conn.Read and routes every inbound frame to the
// channel registered for its topic, in arrival order. Callbacks run
// without the socket lock held. The socket dials lazily on the first
// Join and after every disconnect.
type Socket struct {
	url    string
	logger *slog.Logger
	dial   dialFunc

	heartbeatEvery time.Duration
	joinTimeout    time.Duration

	ref    atomic.Uint64
	dialMu sync.Mutex

	mu               sync.Mutex
	conn             wsConn
	cancel           context.CancelFunc
	token            string
	channels         map[string]*socketChannel
	pendingHeartbeat string
}

var _ Realtime = (*Socket)(nil)

// NewSocket creates a Socket for the given websocket URL. Nothing is
// dialled until Join or Reconnect.
func NewSocket(url string, logger *slog.Logger) *Socket {
	return newSocket(url, logger, dialWebsocket)
}

func newSocket(url string, logger *slog.Logger, dial dialFunc) *Socket {
	return &Socket{
		url:            url,
		logger:         logger,
		dial:           dial,
		heartbeatEvery: heartbeatInterval,
		joinTimeout:    joinTimeout,
		channels:       make(map[string]*socketChannel),
	}
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// Connected reports whether the socket currently holds a live connection.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn != nil
}

// connect returns the live connection, dialling one if needed.
func (s *Socket) connect(ctx context.Context) (wsConn, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()

		return conn, nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(realtimeReadLimit)

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.pendingHeartbeat = ""
	s.mu.Unlock()

	go s.readLoop(loopCtx, conn)
	go s.heartbeatLoop(loopCtx, conn)

	s.logger.Debug("realtime connected")

	return conn, nil
}

// Reconnect drops the current connection, if any, and dials a new one.
// Channels joined on the old connection receive EventClosed.
func (s *Socket) Reconnect(ctx context.Context) error {
	s.Disconnect()

	if _, err := s.connect(ctx); err != nil {
		return fmt.Errorf("reconnecting realtime: %w", err)
	}

	return nil
}

// Disconnect closes the connection and reports EventClosed to every
// joined channel.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	chans := s.drainLocked()
	s.mu.Unlock()

	for _, ch := range chans {
		ch.deliver(ChannelEvent{Type: EventClosed, Err: apperrors.ErrChannelClosed})
	}

	if conn == nil {
		return nil
	}

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		return fmt.Errorf("closing realtime: %w", err)
	}

	return nil
}

// connLost tears down conn after a read or heartbeat failure. It is a
// no-op if conn has already been replaced.
func (s *Socket) connLost(conn wsConn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}

	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	chans := s.drainLocked()
	s.mu.Unlock()

	s.logger.Warn("realtime connection lost",
		slog.String("error", cause.Error()),
		slog.Int("channels", len(chans)),
	)

	conn.Close(websocket.StatusGoingAway, "connection lost")

	for _, ch := range chans {
		ch.deliver(ChannelEvent{Type: EventErrored, Err: fmt.Errorf("%w: %w", apperrors.ErrChannelErrored, cause)})
	}
}

func (s *Socket) drainLocked() []*socketChannel {
	chans := make([]*socketChannel, 0, len(s.channels))
	for topic, ch := range s.channels {
		chans = append(chans, ch)
		delete(s.channels, topic)
	}

	return chans
}

func (s *Socket) readLoop(ctx context.Context, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.connLost(conn, err)
			return
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary realtime frame", slog.Int("bytes", len(data)))
			continue
		}

		s.route(data)
	}
}

func (s *Socket) heartbeatLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return
		}

		if s.pendingHeartbeat != "" {
			s.mu.Unlock()
			s.connLost(conn, errHeartbeatTimeout)

			return
		}

		ref := s.nextRef()
		s.pendingHeartbeat = ref
		s.mu.Unlock()

		err := s.push(ctx, conn, frame{Topic: phoenixTopic, Event: "heartbeat", Payload: struct{}{}, Ref: ref})
		if err != nil {
			s.connLost(conn, err)
			return
		}
	}
}

// route dispatches one inbound frame.
func (s *Socket) route(data []byte) {
	if !gjson.ValidBytes(data) {
		s.logger.Debug("unparseable realtime frame", slog.Int("bytes", len(data)))
		return
	}

	res := gjson.ParseBytes(data)
	topic := res.Get("topic").String()
	event := res.Get("event").String()
	ref := res.Get("ref").String()
	payload := res.Get("payload")

	if topic == phoenixTopic {
		if event == "phx_reply" {
			s.mu.Lock()
			if ref == s.pendingHeartbeat {
				s.pendingHeartbeat = ""
			}
			s.mu.Unlock()
		}

		return
	}

	s.mu.Lock()
	ch := s.channels[topic]
	s.mu.Unlock()

	if ch == nil {
		s.logger.Debug("frame for unknown topic", slog.String("topic", topic), slog.String("event", event))
		return
	}

	// Frames carrying the join ref of a previous incarnation of this
	// topic belong to a channel that was already torn down.
	if joinRef := res.Get("join_ref").String(); joinRef != "" && joinRef != ch.joinRef {
		return
	}

	switch event {
	case "phx_reply":
		if ref != ch.joinRef {
			return
		}

		if payload.Get("status").String() == "ok" {
			ch.deliver(ChannelEvent{Type: EventJoined})
			return
		}

		reason := payload.Get("response.reason").String()
		if reason == "" {
			reason = payload.Get("response").Raw
		}

		s.terminate(ch, ChannelEvent{Type: EventErrored, Err: fmt.Errorf("%w: join rejected: %s", apperrors.ErrChannelErrored, reason)})

	case "phx_error":
		s.terminate(ch, ChannelEvent{Type: EventErrored, Err: apperrors.ErrChannelErrored})

	case "phx_close":
		s.terminate(ch, ChannelEvent{Type: EventClosed, Err: apperrors.ErrChannelClosed})

	case "postgres_changes":
		change := payload.Get("data")

		var typ ChannelEventType

		switch change.Get("type").String() {
		case "INSERT":
			typ = EventInsert
		case "UPDATE":
			typ = EventUpdate
		case "DELETE":
			typ = EventDelete
		default:
			return
		}

		ch.deliver(ChannelEvent{
			Type:      typ,
			Table:     change.Get("table").String(),
			Record:    rawJSON(change.Get("record")),
			OldRecord: rawJSON(change.Get("old_record")),
		})

	case "broadcast":
		ch.deliver(ChannelEvent{
			Type:    EventBroadcast,
			Name:    payload.Get("event").String(),
			Payload: rawJSON(payload.Get("payload")),
		})

	default:
		s.logger.Debug("unhandled realtime event", slog.String("topic", topic), slog.String("event", event))
	}
}

func rawJSON(r gjson.Result) json.RawMessage {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}

	return json.RawMessage(r.Raw)
}

// terminate delivers a terminal event and unregisters the channel.
func (s *Socket) terminate(ch *socketChannel, ev ChannelEvent) {
	if !ch.deliver(ev) {
		return
	}

	s.unregister(ch)
}

func (s *Socket) unregister(ch *socketChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channels[ch.wireTopic] == ch {
		delete(s.channels, ch.wireTopic)
	}
}

func (s *Socket) push(ctx context.Context, conn wsConn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Event, err)
	}

	return nil
}

func joinPayload(opts JoinOptions, token string) map[string]any {
	changes := []map[string]string{}
	if opts.Table != "" {
		schema := opts.Schema
		if schema == "" {
			schema = "public"
		}

		changes = append(changes, map[string]string{"event": "*", "schema": schema, "table": opts.Table})
	}

	return map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": opts.BroadcastSelf, "ack": false},
			"presence":         map[string]string{"key": ""},
			"postgres_changes": changes,
		},
		"access_token": token,
	}
}

// Join subscribes to topic. The join completes asynchronously: fn
// receives EventJoined, or EventErrored/EventTimedOut if the server
// rejects the join or does not answer within the join timeout. Joining a
// topic that already has a channel leaves the old one first.
func (s *Socket) Join(ctx context.Context, topic string, opts JoinOptions, fn func(ChannelEvent)) (RealtimeChannel, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("joining %s: %w", topic, err)
	}

	ref := s.nextRef()
	ch := &socketChannel{
		socket:    s,
		topic:     topic,
		wireTopic: topicPrefix + topic,
		joinRef:   ref,
		fn:        fn,
	}
	ch.timer = time.AfterFunc(s.joinTimeout, func() {
		s.terminate(ch, ChannelEvent{Type: EventTimedOut, Err: apperrors.ErrChannelTimedOut})
	})

	s.mu.Lock()
	old := s.channels[ch.wireTopic]
	s.channels[ch.wireTopic] = ch
	token := s.token
	s.mu.Unlock()

	if old != nil {
		old.markLeft()

		if err := s.push(ctx, conn, frame{Topic: old.wireTopic, Event: "phx_leave", Payload: struct{}{}, Ref: s.nextRef(), JoinRef: old.joinRef}); err != nil {
			s.logger.Debug("leaving replaced channel", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}

	err = s.push(ctx, conn, frame{
		Topic:   ch.wireTopic,
		Event:   "phx_join",
		Payload: joinPayload(opts, token),
		Ref:     ref,
		JoinRef: ref,
	})
	if err != nil {
		ch.markLeft()
		s.unregister(ch)

		return nil, fmt.Errorf("joining %s: %w", topic, err)
	}

	return ch, nil
}

// SetAuth updates the access token and pushes it to every joined channel.
func (s *Socket) SetAuth(token string) {
	s.mu.Lock()
	s.token = token
	conn := s.conn

	chans := make([]*socketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	for _, ch := range chans {
		if !ch.isJoined() {
			continue
		}

		f := frame{
			Topic:   ch.wireTopic,
			Event:   "access_token",
			Payload: map[string]string{"access_token": token},
			Ref:     s.nextRef(),
			JoinRef: ch.joinRef,
		}
		if err := s.push(ctx, conn, f); err != nil {
			s.logger.Warn("pushing access token",
				slog.String("topic", ch.topic),
				slog.String("error", err.Error()),
			)
		}
	}
}

// socketChannel is one joined topic on a Socket.
type socketChannel struct {
	socket    *Socket
	topic     string
	wireTopic string
	joinRef   string
	fn        func(ChannelEvent)
	timer     *time.Timer

	left atomic.Bool

	// mu serialises deliveries from the reader goroutine and the join
	// timer.
	mu     sync.Mutex
	joined bool
	done   bool
}

var _ RealtimeChannel = (*socketChannel)(nil)

func (c *socketChannel) Topic() string { return c.topic }

func (c *socketChannel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.joined && !c.done
}

func (c *socketChannel) markLeft() {
	c.left.Store(true)
	c.timer.Stop()
}

// deliver hands ev to the callback. It reports whether ev was delivered;
// nothing is delivered after a terminal event or after Leave.
func (c *socketChannel) deliver(ev ChannelEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done || c.left.Load() {
		return false
	}

	switch ev.Type {
	case EventJoined:
		if c.joined {
			return false
		}

		c.joined = true
		c.timer.Stop()
	case EventTimedOut:
		if c.joined {
			return false
		}

		c.done = true
	case EventErrored, EventClosed:
		c.done = true
		c.timer.Stop()
	}

	c.fn(ev)

	return true
}

// Broadcast sends a same-origin broadcast on the channel.
func (c *socketChannel) Broadcast(ctx context.Context, event string, payload any) error {
	if c.left.Load() {
		return fmt.Errorf("broadcasting on %s: %w", c.topic, apperrors.ErrChannelClosed)
	}

	c.socket.mu.Lock()
	conn := c.socket.conn
	c.socket.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("broadcasting on %s: %w", c.topic, apperrors.ErrChannelClosed)
	}

	return c.socket.push(ctx, conn, frame{
		Topic: c.wireTopic,
		Event: "broadcast",
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   event,
			"payload": payload,
		},
		Ref:     c.socket.nextRef(),
		JoinRef: c.joinRef,
	})
}

// Leave unsubscribes from the topic. No events are delivered afterwards.
func (c *socketChannel) Leave(ctx context.Context) error {
	if c.left.Swap(true) {
		return nil
	}

	c.timer.Stop()
	c.socket.unregister(c)

	c.socket.mu.Lock()
	conn := c.socket.conn
	c.socket.mu.Unlock()

	if conn == nil {
		return nil
	}

	return c.socket.push(ctx, conn, frame{
		Topic:   c.wireTopic,
		Event:   "phx_leave",
		Payload: struct{}{},
		Ref:     c.socket.nextRef(),
		JoinRef: c.joinRef,
	})
}
