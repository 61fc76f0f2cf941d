package store

import (
	"context"
	"fmt"

	"github.com/go-xorm/xorm"
)

// ChannelMember is one user's membership in a channel. ServerID is carried
// denormalized so presence fan-out can resolve a user's servers without a
// join.
type ChannelMember struct {
	ChannelID string `xorm:"pk 'channel_id'"`
	UserID    string `xorm:"pk 'user_id'"`
	ServerID  string `xorm:"index 'server_id'"`
}

func (ChannelMember) TableName() string { return "channel_members" }

// ChannelDirectory answers the channel/membership questions the rest of
// the message plane asks: subscription scopes for the gateway, authorship
// for edit/delete checks, rosters and the E2EE flag for the envelope
// store. Row maintenance (joins, leaves, channel creation) belongs to the
// CRUD surface; apart from SetLastMessageID this type only reads.
type ChannelDirectory struct {
	engine *xorm.Engine
}

// NewChannelDirectory syncs the membership schema and returns a directory.
func NewChannelDirectory(engine *xorm.Engine) (*ChannelDirectory, error) {
	if err := engine.Sync2(new(ChannelMember)); err != nil {
		return nil, fmt.Errorf("store: sync channel_members: %w", err)
	}
	return &ChannelDirectory{engine: engine}, nil
}

// Get implements ChannelRepository.
func (d *ChannelDirectory) Get(ctx context.Context, channelID string) (*Channel, error) {
	ch := new(Channel)
	has, err := d.engine.ID(channelID).Get(ch)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrNotFound
	}
	return ch, nil
}

// SetLastMessageID implements ChannelRepository.
func (d *ChannelDirectory) SetLastMessageID(ctx context.Context, channelID, messageID string) error {
	_, err := d.engine.ID(channelID).Cols("last_message_id").Update(&Channel{LastMessageID: messageID})
	return err
}

// UserScopes returns the gateway subscription topics for every channel and
// server the user belongs to.
func (d *ChannelDirectory) UserScopes(userID string) ([]string, error) {
	var members []ChannelMember
	if err := d.engine.Where("user_id = ?", userID).Find(&members); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var scopes []string
	for _, m := range members {
		scopes = append(scopes, "channel:"+m.ChannelID)
		if m.ServerID != "" && !seen[m.ServerID] {
			seen[m.ServerID] = true
			scopes = append(scopes, "server:"+m.ServerID)
		}
	}
	return scopes, nil
}

// UserServers returns the distinct server ids the user is a member of.
func (d *ChannelDirectory) UserServers(userID string) ([]string, error) {
	var members []ChannelMember
	if err := d.engine.Where("user_id = ? AND server_id <> ''", userID).Find(&members); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var servers []string
	for _, m := range members {
		if !seen[m.ServerID] {
			seen[m.ServerID] = true
			servers = append(servers, m.ServerID)
		}
	}
	return servers, nil
}

// MessageAuthor resolves a message's author for edit/delete permission
// checks.
func (d *ChannelDirectory) MessageAuthor(channelID, messageID string) (string, error) {
	msg := new(Message)
	has, err := d.engine.ID(messageID).Get(msg)
	if err != nil {
		return "", err
	}
	if !has || msg.ChannelID != channelID {
		return "", ErrNotFound
	}
	return msg.AuthorID, nil
}

// IsE2EE reports whether the channel only accepts ciphertext envelopes.
func (d *ChannelDirectory) IsE2EE(channelID string) (bool, error) {
	ch := new(Channel)
	has, err := d.engine.ID(channelID).Get(ch)
	if err != nil {
		return false, err
	}
	if !has {
		return false, ErrNotFound
	}
	return ch.E2EE, nil
}

// IsMember reports whether userID belongs to channelID.
func (d *ChannelDirectory) IsMember(channelID, userID string) (bool, error) {
	return d.engine.Where("channel_id = ? AND user_id = ?", channelID, userID).Exist(new(ChannelMember))
}

// RecipientDevices returns the unrevoked device ids of every channel
// member except excludeUserID, the set an encrypted send must cover.
func (d *ChannelDirectory) RecipientDevices(channelID string, excludeUserID string) ([]string, error) {
	rows, err := d.engine.QueryString(
		`SELECT id FROM t_devices
		 WHERE user_id IN (SELECT user_id FROM t_channel_members WHERE channel_id = ?)
		   AND user_id <> ?
		   AND revoked_at IS NULL`,
		channelID, excludeUserID)
	if err != nil {
		return nil, err
	}
	devices := make([]string, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, row["id"])
	}
	return devices, nil
}
