package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveMessageAndGetConversation(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()

	require.NoError(t, store.SaveMessage(Message{
		MessageID:    "msg-1",
		PeerID:       "peer-1",
		PeerNickname: "alice",
		Direction:    DirectionSent,
		Body:         "hi alice",
		Timestamp:    base,
	}))
	require.NoError(t, store.SaveMessage(Message{
		MessageID:    "msg-2",
		PeerID:       "peer-1",
		PeerNickname: "alice",
		Direction:    DirectionReceived,
		Body:         "hi back",
		Timestamp:    base + 1,
	}))
	require.NoError(t, store.SaveMessage(Message{
		MessageID:    "msg-3",
		PeerID:       "peer-2",
		PeerNickname: "bob",
		Direction:    DirectionSent,
		Body:         "hi bob",
		Timestamp:    base + 2,
	}))

	conversation, err := store.GetMessages("peer-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, conversation, 2)
	require.Equal(t, "msg-1", conversation[0].MessageID)
	require.Equal(t, "msg-2", conversation[1].MessageID)
	require.Equal(t, DirectionReceived, conversation[1].Direction)

	other, err := store.GetMessages("peer-2", 10, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, "hi bob", other[0].Body)
}

func TestSaveMessageValidation(t *testing.T) {
	store := newTestStore(t)

	require.Error(t, store.SaveMessage(Message{
		PeerID:    "peer-1",
		Direction: DirectionSent,
		Body:      "no id",
	}))
	require.Error(t, store.SaveMessage(Message{
		MessageID: "msg-1",
		Direction: DirectionSent,
		Body:      "no peer",
	}))
	require.Error(t, store.SaveMessage(Message{
		MessageID: "msg-1",
		PeerID:    "peer-1",
		Direction: "sideways",
		Body:      "bad direction",
	}))
}

func TestSaveMessageFillsDefaults(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveMessage(Message{
		MessageID: "msg-1",
		PeerID:    "peer-1",
		Body:      "defaults",
	}))

	messages, err := store.GetMessages("peer-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, DirectionSent, messages[0].Direction)
	require.NotZero(t, messages[0].Timestamp)
}

func TestGetRecentMessagesOrdersOldestFirst(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	for i, peer := range []string{"peer-1", "peer-2", "peer-1"} {
		require.NoError(t, store.SaveMessage(Message{
			MessageID: string(rune('a' + i)),
			PeerID:    peer,
			Direction: DirectionReceived,
			Body:      "message",
			Timestamp: base + int64(i),
		}))
	}

	recent, err := store.GetRecentMessages(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].MessageID)
	require.Equal(t, "c", recent[1].MessageID)
}
