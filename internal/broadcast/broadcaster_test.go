package broadcast_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-fanout-service/internal/broadcast"
	"github.com/tinywideclouds/go-fanout-service/internal/presence"
	"github.com/tinywideclouds/go-fanout-service/internal/realtime"
	"github.com/tinywideclouds/go-fanout-service/internal/test/fakes"
	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

const (
	chatChannel  = "fanout:chat"
	notifChannel = "fanout:notifications"
)

type chatSink struct {
	mu          sync.Mutex
	locals      []fanout.EventType
	updates     int
	deletions   int
	presences   int
	disconnects []string
}

func (s *chatSink) BroadcastLocal(event fanout.EventType, _ json.RawMessage) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locals = append(s.locals, event)
	return 1, 0
}

func (s *chatSink) BroadcastUpdateLocal(json.RawMessage) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return 1, 0
}

func (s *chatSink) BroadcastDeletionLocal(json.RawMessage) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions++
	return 1, 0
}

func (s *chatSink) BroadcastPresenceLocal(json.RawMessage) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences++
	return 1, 0
}

func (s *chatSink) DisconnectUserLocal(subjectID, _ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, subjectID)
	return 1
}

func (s *chatSink) localCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locals)
}

type notifSink struct {
	mu          sync.Mutex
	subjects    []string
	events      []fanout.EventType
	disconnects []string
}

func (s *notifSink) BroadcastToSubject(subjectID string, event fanout.EventType, _ json.RawMessage) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subjectID)
	s.events = append(s.events, event)
	return 1, 0
}

func (s *notifSink) DisconnectUserLocal(subjectID, _ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, subjectID)
	return 1
}

func (s *notifSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subjects)
}

type fixture struct {
	st    *fakes.Store
	b     *broadcast.Broadcaster
	chat  *chatSink
	notif *notifSink
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := fakes.NewStore()
	chat := &chatSink{}
	notif := &notifSink{}
	b := broadcast.New(st, broadcast.Config{
		InstanceID:          "instance-a",
		ChatChannel:         chatChannel,
		NotificationChannel: notifChannel,
		Enabled:             true,
		DedupTTL:            2 * time.Second,
		ResubscribeInterval: 10 * time.Millisecond,
	}, chat, notif, zerolog.Nop())

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	return &fixture{st: st, b: b, chat: chat, notif: notif}
}

func remoteEnvelope(t *testing.T, event fanout.EventType, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(&broadcast.Envelope{
		Type:      event,
		Origin:    "instance-b",
		EmittedAt: time.Now().UnixMilli(),
		Data:      data,
	})
	require.NoError(t, err)
	return frame
}

func TestBroadcaster_PublishWrapsEnvelope(t *testing.T) {
	f := setup(t)

	err := f.b.Publish(context.Background(), fanout.EventNewMessage, fanout.Message{ID: "m1", RoomID: "r1"})
	require.NoError(t, err)

	published := f.st.Published()
	require.Len(t, published, 1)

	var envelope broadcast.Envelope
	require.NoError(t, json.Unmarshal(published[0], &envelope))
	assert.Equal(t, fanout.EventNewMessage, envelope.Type)
	assert.Equal(t, "instance-a", envelope.Origin)
	assert.NotZero(t, envelope.EmittedAt)
}

func TestBroadcaster_SelfEchoNeverReplayed(t *testing.T) {
	f := setup(t)

	// The fake store echoes publishes back to this instance's subscription.
	require.NoError(t, f.b.Publish(context.Background(), fanout.EventNewMessage, fanout.Message{ID: "m1"}))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.chat.localCount(), "own envelope must not be replayed locally")
}

func TestBroadcaster_RemoteEnvelopeDispatched(t *testing.T) {
	f := setup(t)

	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventNewMessage, fanout.Message{ID: "m1"}))

	assert.Eventually(t, func() bool { return f.chat.localCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_DuplicateEnvelopeAppliedOnce(t *testing.T) {
	f := setup(t)

	frame := remoteEnvelope(t, fanout.EventNewMessage, fanout.Message{ID: "m1"})
	f.st.Deliver(chatChannel, frame)
	f.st.Deliver(chatChannel, frame)

	assert.Eventually(t, func() bool {
		return f.b.MetricsSnapshot().Received == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.chat.localCount(), "same identity must be rendered once")
	assert.Equal(t, uint64(1), f.b.MetricsSnapshot().Deduplicated)
}

func TestBroadcaster_MalformedEnvelopesDiscarded(t *testing.T) {
	f := setup(t)

	f.st.Deliver(chatChannel, []byte(`not json`))
	f.st.Deliver(chatChannel, []byte(`{"eventType":"new_message"}`))
	f.st.Deliver(chatChannel, []byte(`{"eventType":"new_message","originInstanceId":"evil channel!","emittedAtMillis":1,"payload":{"id":"x"}}`))

	assert.Eventually(t, func() bool {
		return f.b.MetricsSnapshot().Discarded == 3
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.chat.localCount())
}

func TestBroadcaster_DispatchByType(t *testing.T) {
	f := setup(t)

	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventMessageUpdated, fanout.Message{ID: "m1"}))
	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventMessageDeleted, fanout.Deletion{MessageID: "m1", RoomID: "r1"}))
	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventPresenceChange, fanout.PresenceCounts{Members: 2}))
	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventDisconnectUser, fanout.Disconnect{SubjectID: "user-1", Reason: "banned"}))
	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventBulkDelete, fanout.BulkDelete{SubjectID: "user-1", RoomID: "r1"}))

	assert.Eventually(t, func() bool {
		f.chat.mu.Lock()
		defer f.chat.mu.Unlock()
		return f.chat.updates == 1 && f.chat.deletions == 1 && f.chat.presences == 1 &&
			len(f.chat.disconnects) == 1 && len(f.chat.locals) == 1
	}, time.Second, 5*time.Millisecond)

	f.chat.mu.Lock()
	assert.Equal(t, []string{"user-1"}, f.chat.disconnects)
	assert.Equal(t, []fanout.EventType{fanout.EventBulkDelete}, f.chat.locals)
	f.chat.mu.Unlock()

	f.notif.mu.Lock()
	defer f.notif.mu.Unlock()
	assert.Equal(t, []string{"user-1"}, f.notif.disconnects)
}

func TestBroadcaster_RemoteDisconnectClosesEventStreams(t *testing.T) {
	st := fakes.NewStore()
	b := broadcast.New(st, broadcast.Config{
		InstanceID:          "instance-a",
		ChatChannel:         chatChannel,
		NotificationChannel: notifChannel,
		Enabled:             true,
		DedupTTL:            2 * time.Second,
		ResubscribeInterval: 10 * time.Millisecond,
	}, nil, nil, zerolog.Nop())

	tracker := presence.NewTracker(st, time.Minute, zerolog.Nop())
	chat := realtime.NewChatRegistry(tracker, b, nil, realtime.Config{}, zerolog.Nop())
	streams := realtime.NewStreamRegistry(tracker, b, realtime.Config{}, zerolog.Nop())
	b.AttachSinks(chat, streams)

	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	t.Cleanup(func() { _ = chat.Shutdown(context.Background()) })
	t.Cleanup(func() { _ = streams.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, chat.Add(ctx, realtime.NewConnection(fakes.NewConn(), "u1", "User One", fanout.RoleMember)))
	require.NoError(t, streams.Add(ctx, realtime.NewConnection(fakes.NewConn(), "u1", "User One", fanout.RoleMember)))

	st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventDisconnectUser,
		fanout.Disconnect{SubjectID: "u1", Reason: "banned"}))

	assert.Eventually(t, func() bool {
		return chat.Len() == 0 && streams.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_NotificationEventsRoutedToSubject(t *testing.T) {
	f := setup(t)

	f.st.Deliver(notifChannel, remoteEnvelope(t, fanout.EventNotificationNew,
		fanout.Notification{ID: "n1", SubjectID: "user-7"}))
	f.st.Deliver(notifChannel, remoteEnvelope(t, fanout.EventUnreadCountChanged,
		fanout.UnreadCount{SubjectID: "user-7", Count: 3}))

	assert.Eventually(t, func() bool { return f.notif.count() == 2 }, time.Second, 5*time.Millisecond)

	f.notif.mu.Lock()
	defer f.notif.mu.Unlock()
	assert.Equal(t, []string{"user-7", "user-7"}, f.notif.subjects)
	assert.Equal(t, []fanout.EventType{fanout.EventNotificationNew, fanout.EventUnreadCountChanged}, f.notif.events)
}

func TestBroadcaster_DegradedModeAndRecovery(t *testing.T) {
	f := setup(t)

	f.st.DropConnections()
	assert.Eventually(t, func() bool { return f.b.DegradedMode() }, time.Second, 5*time.Millisecond)

	// Publishing while degraded does not error; local operation continues.
	assert.NoError(t, f.b.Publish(context.Background(), fanout.EventNewMessage, fanout.Message{ID: "m2"}))

	f.st.RestoreConnections()
	assert.Eventually(t, func() bool { return !f.b.DegradedMode() }, time.Second, 5*time.Millisecond)

	// Replay works again after resubscription.
	f.st.Deliver(chatChannel, remoteEnvelope(t, fanout.EventNewMessage, fanout.Message{ID: "m3"}))
	assert.Eventually(t, func() bool { return f.chat.localCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_PublishFailureCountedNotReturned(t *testing.T) {
	f := setup(t)

	f.st.FailWith(assert.AnError)
	assert.NoError(t, f.b.Publish(context.Background(), fanout.EventNewMessage, fanout.Message{ID: "m1"}))
	f.st.FailWith(nil)

	assert.Equal(t, uint64(1), f.b.MetricsSnapshot().PublishFailures)
}

func TestBroadcaster_DisabledIsIsolatedIsland(t *testing.T) {
	st := fakes.NewStore()
	b := broadcast.New(st, broadcast.Config{
		InstanceID: "instance-a",
		Enabled:    false,
	}, &chatSink{}, &notifSink{}, zerolog.Nop())

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Publish(context.Background(), fanout.EventNewMessage, fanout.Message{ID: "m1"}))

	assert.Empty(t, st.Published())
	require.NoError(t, b.Stop(context.Background()))
}
