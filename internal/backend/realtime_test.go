package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"
)

// fakeWS is a channel-backed wsConn standing in for the server side.
type fakeWS struct {
	in      chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:      make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeWS) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.MessageText, data, nil
	case err := <-f.readErr:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeWS) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes = append(f.writes, append([]byte(nil), p...))

	return nil
}

func (f *fakeWS) Close(websocket.StatusCode, string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) SetReadLimit(int64) {}

func (f *fakeWS) send(data string) {
	f.in <- []byte(data)
}

// frames returns the written frames with the given event name.
func (f *fakeWS) frames(event string) []gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []gjson.Result

	for _, w := range f.writes {
		r := gjson.ParseBytes(w)
		if r.Get("event").String() == event {
			out = append(out, r)
		}
	}

	return out
}

func (f *fakeWS) last(t *testing.T, event string) gjson.Result {
	t.Helper()

	frames := f.frames(event)
	require.NotEmpty(t, frames, "no %s frame written", event)

	return frames[len(frames)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []ChannelEvent
}

func (l *eventLog) add(ev ChannelEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
}

func (l *eventLog) types() []ChannelEventType {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ChannelEventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}

	return out
}

func (l *eventLog) get(i int) ChannelEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.events[i]
}

func newTestSocket(t *testing.T, conn wsConn) *Socket {
	t.Helper()

	return newSocket("ws://test/realtime/v1/websocket", slog.New(slog.DiscardHandler),
		func(context.Context, string) (wsConn, error) { return conn, nil })
}

func replyOK(ws *fakeWS, topic, ref string) {
	ws.send(fmt.Sprintf(`{"topic":%q,"event":"phx_reply","ref":%q,"payload":{"status":"ok","response":{}}}`, topic, ref))
}

// joinRoom joins "room" and completes the join handshake.
func joinRoom(t *testing.T, s *Socket, ws *fakeWS, log *eventLog) RealtimeChannel {
	t.Helper()

	ch, err := s.Join(t.Context(), "room", JoinOptions{Table: "messages"}, log.add)
	require.NoError(t, err)

	join := ws.last(t, "phx_join")
	replyOK(ws, "realtime:room", join.Get("ref").String())
	synctest.Wait()

	return ch
}

func TestJoin_SendsConfigAndReportsJoined(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)
		s.SetAuth("token-1")

		var log eventLog

		ch, err := s.Join(t.Context(), "room", JoinOptions{Table: "messages", BroadcastSelf: true}, log.add)
		require.NoError(t, err)
		assert.Equal(t, "room", ch.Topic())
		assert.True(t, s.Connected())

		join := ws.last(t, "phx_join")
		assert.Equal(t, "realtime:room", join.Get("topic").String())
		assert.Equal(t, join.Get("ref").String(), join.Get("join_ref").String())
		assert.Equal(t, "messages", join.Get("payload.config.postgres_changes.0.table").String())
		assert.Equal(t, "public", join.Get("payload.config.postgres_changes.0.schema").String())
		assert.True(t, join.Get("payload.config.broadcast.self").Bool())
		assert.Equal(t, "token-1", join.Get("payload.access_token").String())

		replyOK(ws, "realtime:room", join.Get("ref").String())
		synctest.Wait()

		assert.Equal(t, []ChannelEventType{EventJoined}, log.types())

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestJoin_TimesOutWithoutReply(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		_, err := s.Join(t.Context(), "room", JoinOptions{}, log.add)
		require.NoError(t, err)

		time.Sleep(joinTimeout - time.Second)
		synctest.Wait()
		assert.Empty(t, log.types())

		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.Equal(t, []ChannelEventType{EventTimedOut}, log.types())
		assert.ErrorIs(t, log.get(0).Err, apperrors.ErrChannelTimedOut)

		// A late reply for the abandoned join is dropped.
		replyOK(ws, "realtime:room", ws.last(t, "phx_join").Get("ref").String())
		synctest.Wait()
		assert.Len(t, log.types(), 1)

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestJoin_RejectedReportsErrored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		_, err := s.Join(t.Context(), "room", JoinOptions{}, log.add)
		require.NoError(t, err)

		ref := ws.last(t, "phx_join").Get("ref").String()
		ws.send(fmt.Sprintf(`{"topic":"realtime:room","event":"phx_reply","ref":%q,"payload":{"status":"error","response":{"reason":"unauthorized"}}}`, ref))
		synctest.Wait()

		require.Equal(t, []ChannelEventType{EventErrored}, log.types())
		assert.ErrorIs(t, log.get(0).Err, apperrors.ErrChannelErrored)
		assert.ErrorContains(t, log.get(0).Err, "unauthorized")

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestJoin_ReplacesExistingChannel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var first, second eventLog

		joinRoom(t, s, ws, &first)

		_, err := s.Join(t.Context(), "room", JoinOptions{}, second.add)
		require.NoError(t, err)

		leaves := ws.frames("phx_leave")
		require.Len(t, leaves, 1)

		joins := ws.frames("phx_join")
		require.Len(t, joins, 2)
		assert.Equal(t, joins[0].Get("ref").String(), leaves[0].Get("join_ref").String())

		ws.send(`{"topic":"realtime:room","event":"broadcast","payload":{"event":"ping","payload":{}}}`)
		synctest.Wait()

		assert.Equal(t, []ChannelEventType{EventJoined}, first.types())
		assert.Equal(t, []ChannelEventType{EventBroadcast}, second.types())

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestRoute_PostgresChanges(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		ws.send(`{"topic":"realtime:room","event":"postgres_changes","payload":{"data":{"type":"INSERT","table":"messages","record":{"id":"m1","content":"hi"},"old_record":null}}}`)
		ws.send(`{"topic":"realtime:room","event":"postgres_changes","payload":{"data":{"type":"UPDATE","table":"messages","record":{"id":"m1","content":"hey"},"old_record":{"id":"m1"}}}}`)
		ws.send(`{"topic":"realtime:room","event":"postgres_changes","payload":{"data":{"type":"DELETE","table":"messages","old_record":{"id":"m1"}}}}`)
		ws.send(`{"topic":"realtime:room","event":"postgres_changes","payload":{"data":{"type":"TRUNCATE","table":"messages"}}}`)
		synctest.Wait()

		require.Equal(t, []ChannelEventType{EventJoined, EventInsert, EventUpdate, EventDelete}, log.types())

		ins := log.get(1)
		assert.Equal(t, "messages", ins.Table)
		assert.JSONEq(t, `{"id":"m1","content":"hi"}`, string(ins.Record))
		assert.Nil(t, ins.OldRecord)

		del := log.get(3)
		assert.Nil(t, del.Record)
		assert.JSONEq(t, `{"id":"m1"}`, string(del.OldRecord))

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestRoute_BroadcastAndStaleJoinRef(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		ws.send(`{"topic":"realtime:room","event":"broadcast","join_ref":"999","payload":{"event":"message_sent","payload":{"id":"stale"}}}`)
		ws.send(`{"topic":"realtime:room","event":"broadcast","payload":{"event":"message_sent","payload":{"id":"m1"}}}`)
		ws.send(`{"topic":"realtime:other","event":"broadcast","payload":{"event":"message_sent","payload":{"id":"m2"}}}`)
		ws.send(`not json`)
		synctest.Wait()

		require.Equal(t, []ChannelEventType{EventJoined, EventBroadcast}, log.types())
		assert.Equal(t, "message_sent", log.get(1).Name)
		assert.JSONEq(t, `{"id":"m1"}`, string(log.get(1).Payload))

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestRoute_ServerErrorAndClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		ws.send(`{"topic":"realtime:room","event":"phx_error","payload":{}}`)
		ws.send(`{"topic":"realtime:room","event":"phx_close","payload":{}}`)
		synctest.Wait()

		// The channel is unregistered after its first terminal event.
		require.Equal(t, []ChannelEventType{EventJoined, EventErrored}, log.types())
		assert.ErrorIs(t, log.get(1).Err, apperrors.ErrChannelErrored)

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestReadError_ErrorsChannels(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		ws.readErr <- errors.New("connection reset by peer")
		synctest.Wait()

		assert.False(t, s.Connected())
		require.Equal(t, []ChannelEventType{EventJoined, EventErrored}, log.types())
		assert.ErrorIs(t, log.get(1).Err, apperrors.ErrChannelErrored)
		assert.ErrorContains(t, log.get(1).Err, "connection reset by peer")
	})
}

func TestHeartbeat_MissedReplyDropsConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		time.Sleep(heartbeatInterval + time.Second)
		synctest.Wait()

		hb := ws.frames("heartbeat")
		require.Len(t, hb, 1)
		assert.Equal(t, "phoenix", hb[0].Get("topic").String())
		assert.True(t, s.Connected())

		time.Sleep(heartbeatInterval)
		synctest.Wait()

		assert.False(t, s.Connected())
		assert.Equal(t, []ChannelEventType{EventJoined, EventErrored}, log.types())
	})
}

func TestHeartbeat_ReplyKeepsConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		for range 3 {
			time.Sleep(heartbeatInterval)
			synctest.Wait()

			replyOK(ws, "phoenix", ws.last(t, "heartbeat").Get("ref").String())
			synctest.Wait()
		}

		assert.True(t, s.Connected())
		assert.Len(t, ws.frames("heartbeat"), 3)
		assert.Equal(t, []ChannelEventType{EventJoined}, log.types())

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestSetAuth_PushesToJoinedChannels(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		s.SetAuth("token-2")

		push := ws.last(t, "access_token")
		assert.Equal(t, "realtime:room", push.Get("topic").String())
		assert.Equal(t, "token-2", push.Get("payload.access_token").String())

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestLeave_StopsDelivery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		ch := joinRoom(t, s, ws, &log)

		require.NoError(t, ch.Leave(t.Context()))
		require.NoError(t, ch.Leave(t.Context()))
		assert.Len(t, ws.frames("phx_leave"), 1)

		ws.send(`{"topic":"realtime:room","event":"broadcast","payload":{"event":"x","payload":{}}}`)
		synctest.Wait()

		assert.ErrorIs(t, ch.Broadcast(t.Context(), "x", nil), apperrors.ErrChannelClosed)

		require.NoError(t, s.Disconnect())
		synctest.Wait()

		assert.Equal(t, []ChannelEventType{EventJoined}, log.types())
	})
}

func TestBroadcast_WritesFrame(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		ch := joinRoom(t, s, ws, &log)

		require.NoError(t, ch.Broadcast(t.Context(), "message_sent", map[string]string{"id": "m1"}))

		b := ws.last(t, "broadcast")
		assert.Equal(t, "broadcast", b.Get("payload.type").String())
		assert.Equal(t, "message_sent", b.Get("payload.event").String())
		assert.Equal(t, "m1", b.Get("payload.payload.id").String())

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestDisconnect_ClosesChannels(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ws := newFakeWS()
		s := newTestSocket(t, ws)

		var log eventLog

		joinRoom(t, s, ws, &log)

		require.NoError(t, s.Disconnect())
		synctest.Wait()

		assert.False(t, s.Connected())
		require.Equal(t, []ChannelEventType{EventJoined, EventClosed}, log.types())
		assert.ErrorIs(t, log.get(1).Err, apperrors.ErrChannelClosed)
	})
}

func TestReconnect_DialsAgain(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var dials int

		conns := []*fakeWS{newFakeWS(), newFakeWS()}
		s := newSocket("ws://test", slog.New(slog.DiscardHandler), func(context.Context, string) (wsConn, error) {
			c := conns[dials]
			dials++

			return c, nil
		})

		require.NoError(t, s.Reconnect(t.Context()))
		require.NoError(t, s.Reconnect(t.Context()))
		assert.Equal(t, 2, dials)
		assert.True(t, s.Connected())

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}

func TestJoin_DialFailure(t *testing.T) {
	s := newSocket("ws://test", slog.New(slog.DiscardHandler), func(context.Context, string) (wsConn, error) {
		return nil, &TransientError{Err: errors.New("connection refused")}
	})

	_, err := s.Join(context.Background(), "room", JoinOptions{}, func(ChannelEvent) {})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, s.Connected())
}

func TestJoin_WriteFailureUnregisters(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)

		mock.EXPECT().SetReadLimit(int64(realtimeReadLimit))
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-ctx.Done()
			return 0, nil, ctx.Err()
		})
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
			Return(errors.New("broken pipe"))
		mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

		s := newTestSocket(t, mock)

		_, err := s.Join(t.Context(), "room", JoinOptions{}, func(ChannelEvent) {
			t.Error("no events expected after a failed join")
		})
		require.ErrorContains(t, err, "broken pipe")

		require.NoError(t, s.Disconnect())
		synctest.Wait()
	})
}
