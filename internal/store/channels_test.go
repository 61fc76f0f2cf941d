package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *ChannelDirectory {
	t.Helper()
	engine, err := OpenEngine("sqlite3", filepath.Join(t.TempDir(), "dir-test.db"))
	require.NoError(t, err)
	require.NoError(t, engine.Sync2(new(Channel), new(Message)))

	d, err := NewChannelDirectory(engine)
	require.NoError(t, err)
	return d
}

func TestUserScopesCoverChannelsAndServers(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.engine.Insert(
		&ChannelMember{ChannelID: "chan-1", UserID: "user-1", ServerID: "srv-1"},
		&ChannelMember{ChannelID: "chan-2", UserID: "user-1", ServerID: "srv-1"},
		&ChannelMember{ChannelID: "dm-1", UserID: "user-1"},
		&ChannelMember{ChannelID: "chan-9", UserID: "user-2", ServerID: "srv-9"},
	)
	require.NoError(t, err)

	scopes, err := d.UserScopes("user-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"channel:chan-1", "channel:chan-2", "channel:dm-1", "server:srv-1"}, scopes)

	servers, err := d.UserServers("user-1")
	require.NoError(t, err)
	require.Equal(t, []string{"srv-1"}, servers)
}

func TestIsMemberAndE2EEFlag(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.engine.Insert(&Channel{ID: "chan-sec", Kind: "text", E2EE: true})
	require.NoError(t, err)
	_, err = d.engine.Insert(&ChannelMember{ChannelID: "chan-sec", UserID: "user-1"})
	require.NoError(t, err)

	member, err := d.IsMember("chan-sec", "user-1")
	require.NoError(t, err)
	require.True(t, member)

	member, err = d.IsMember("chan-sec", "user-2")
	require.NoError(t, err)
	require.False(t, member)

	e2ee, err := d.IsE2EE("chan-sec")
	require.NoError(t, err)
	require.True(t, e2ee)

	_, err = d.IsE2EE("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageAuthorChecksChannel(t *testing.T) {
	d := newTestDirectory(t)

	_, err := d.engine.Insert(&Message{ID: "m1", ChannelID: "chan-1", AuthorID: "user-1", Content: "hi"})
	require.NoError(t, err)

	author, err := d.MessageAuthor("chan-1", "m1")
	require.NoError(t, err)
	require.Equal(t, "user-1", author)

	_, err = d.MessageAuthor("chan-2", "m1")
	require.ErrorIs(t, err, ErrNotFound)

	ctx := context.Background()
	ch, err := d.Get(ctx, "missing")
	require.Nil(t, ch)
	require.ErrorIs(t, err, ErrNotFound)
}
