package broadcast

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-fanout-service/pkg/fanout"
)

func envelope(event fanout.EventType, payload string) *Envelope {
	return &Envelope{
		Type:      event,
		Origin:    "instance-a",
		EmittedAt: 1700000000000,
		Data:      json.RawMessage(payload),
	}
}

func TestEnvelope_Validate(t *testing.T) {
	require.NoError(t, envelope(fanout.EventNewMessage, `{"id":"m1"}`).Validate())

	assert.Error(t, (&Envelope{Origin: "a", Data: json.RawMessage(`{}`)}).Validate(), "missing type")
	assert.Error(t, (&Envelope{Type: fanout.EventNewMessage, Data: json.RawMessage(`{}`)}).Validate(), "missing origin")
	assert.Error(t, (&Envelope{Type: fanout.EventNewMessage, Origin: "a"}).Validate(), "missing payload")

	bad := envelope(fanout.EventNewMessage, `{"id":"m1"}`)
	bad.Origin = "fanout:chat injected"
	assert.ErrorIs(t, bad.Validate(), errMalformedEnvelope)
}

func TestEnvelope_DedupKey(t *testing.T) {
	cases := []struct {
		event   fanout.EventType
		payload string
		key     string
		ok      bool
	}{
		{fanout.EventNewMessage, `{"id":"m1"}`, "msg:m1", true},
		{fanout.EventMessageUpdated, `{"id":"m1"}`, "upd:m1", true},
		{fanout.EventMessageDeleted, `{"messageId":"m1","roomId":"r1"}`, "del:m1", true},
		{fanout.EventBulkDelete, `{"subjectId":"u1","roomId":"r1"}`, "bulk:u1:r1", true},
		{fanout.EventNotificationNew, `{"id":"n1","subjectId":"u1"}`, "notif:n1", true},
		{fanout.EventNotificationsCleared, `{"subjectId":"u1","clearedAt":42}`, "cleared:u1:42", true},
		{fanout.EventUnreadCountChanged, `{"subjectId":"u1","count":0}`, "unread:u1:0", true},
		{fanout.EventUnreadCountChanged, `{"subjectId":"u1"}`, "", false},
		{fanout.EventNewMessage, `{}`, "", false},
		{fanout.EventPresenceChange, `{"members":2}`, "", false},
		{fanout.EventDisconnectUser, `{"subjectId":"u1"}`, "", false},
	}
	for _, tc := range cases {
		key, ok := envelope(tc.event, tc.payload).DedupKey()
		assert.Equal(t, tc.ok, ok, "%s %s", tc.event, tc.payload)
		if tc.ok {
			assert.Equal(t, tc.key, key)
		}
	}
}

func TestDedupSet_ExpiresEntries(t *testing.T) {
	now := time.Now()
	d := newDedupSet(time.Second)
	d.clock = func() time.Time { return now }

	assert.False(t, d.seen("msg:m1"))
	assert.True(t, d.seen("msg:m1"))

	now = now.Add(1500 * time.Millisecond)
	assert.False(t, d.seen("msg:m1"), "expired identity is fresh again")
}

func TestDedupSet_PruneBoundsEntries(t *testing.T) {
	now := time.Now()
	d := newDedupSet(time.Second)
	d.clock = func() time.Time { return now }

	for i := 0; i <= dedupPruneThreshold; i++ {
		d.seen(fmt.Sprintf("msg:m%d", i))
	}
	require.Greater(t, d.size(), dedupPruneThreshold)

	now = now.Add(2 * time.Second)
	d.seen("msg:fresh")
	assert.Equal(t, 1, d.size(), "sweep drops every expired identity")
}
