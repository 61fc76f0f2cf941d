package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexus-chat/nexus/internal/bus"
	"github.com/nexus-chat/nexus/internal/snowflake"
)

func newTestStore(t *testing.T) *XormStore {
	t.Helper()
	engine, err := OpenEngine("sqlite3", filepath.Join(t.TempDir(), "nexus-test.db"))
	require.NoError(t, err)

	b := bus.New("test-node", nil)
	outbox := filepath.Join(t.TempDir(), "outbox.log")
	s, err := NewXormStore(engine, snowflake.NewAllocator(1), b, outbox)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var prev *Message
	for i := 0; i < 20; i++ {
		msg, err := s.Create(ctx, "chan-1", "user-1", fmt.Sprintf("hello %d", i), "", nil, nil)
		require.NoError(t, err)
		if prev != nil {
			require.Less(t, prev.ID, msg.ID)
		}
		prev = msg
	}
}

func TestTailReturnsDescending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, "chan-2", "user-1", fmt.Sprintf("m%d", i), "", nil, nil)
		require.NoError(t, err)
	}

	msgs, err := s.Tail(ctx, "chan-2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		require.Greater(t, msgs[i-1].ID, msgs[i].ID)
	}
	require.Equal(t, "m4", msgs[0].Content)
}

func TestEditPreservesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.Create(ctx, "chan-3", "user-1", "original", "", nil, nil)
	require.NoError(t, err)

	edited, err := s.Edit(ctx, "chan-3", msg.ID, "updated")
	require.NoError(t, err)
	require.Equal(t, msg.ID, edited.ID)
	require.Equal(t, "updated", edited.Content)
	require.NotNil(t, edited.EditedAt)
}

func TestDeleteTombstonesKeepingID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.Create(ctx, "chan-4", "user-1", "bye", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "chan-4", msg.ID))

	msgs, err := s.Tail(ctx, "chan-4", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Deleted())
	require.Equal(t, msg.ID, msgs[0].ID)
}

func TestAroundHalvesBeforeAndAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 11; i++ {
		msg, err := s.Create(ctx, "chan-5", "user-1", fmt.Sprintf("m%d", i), "", nil, nil)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	center := ids[5]
	msgs, err := s.Around(ctx, "chan-5", center, 6)
	require.NoError(t, err)
	require.LessOrEqual(t, len(msgs), 7)

	var foundCenter bool
	for i, m := range msgs {
		if m.ID == center {
			foundCenter = true
		}
		if i > 0 {
			require.Greater(t, msgs[i-1].ID, msgs[i].ID)
		}
	}
	require.True(t, foundCenter)
}

func TestCreateRejectsE2EEChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.engine.Insert(&Channel{ID: "chan-e2ee", Kind: "text", E2EE: true})
	require.NoError(t, err)

	_, err = s.Create(ctx, "chan-e2ee", "user-1", "plaintext leak attempt", "", nil, nil)
	require.ErrorIs(t, err, ErrChannelE2EE)
}
