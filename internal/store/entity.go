// Package store implements the message persistence and ordering layer: an
// xorm-backed relational store fronted by a write-then-publish outbox so a
// crash between "row written" and "event published" cannot silently drop
// the publish.
package store

import (
	"time"

	"github.com/nexus-chat/nexus/internal/snowflake"
)

// ChannelKind enumerates the kinds of channel a message can live in.
type ChannelKind string

const (
	ChannelKindText         ChannelKind = "text"
	ChannelKindVoice        ChannelKind = "voice"
	ChannelKindDM           ChannelKind = "dm"
	ChannelKindGroupDM      ChannelKind = "group_dm"
	ChannelKindThread       ChannelKind = "thread"
	ChannelKindAnnouncement ChannelKind = "announcement"
	ChannelKindCategory     ChannelKind = "category"
)

// Channel is the channel-side state the message store needs: the E2EE
// flag gates plaintext writes, LastMessageID advances on every create.
type Channel struct {
	ID            string `xorm:"pk 'id'" json:"id"`
	ServerID      string `xorm:"index 'server_id'" json:"server_id"`
	Kind          string `xorm:"'kind'" json:"kind"`
	E2EE          bool   `xorm:"'e2ee'" json:"e2ee"`
	LastMessageID string `xorm:"'last_message_id'" json:"last_message_id"`
}

func (Channel) TableName() string { return "channels" }

// MessageFlag is a bitfield of per-message flags.
type MessageFlag uint32

const (
	MessageFlagNone    MessageFlag = 0
	MessageFlagDeleted MessageFlag = 1 << 0
	MessageFlagPinned  MessageFlag = 1 << 1
	MessageFlagSystem  MessageFlag = 1 << 2
)

// Message is one stored channel message. Edit preserves ID; Delete sets
// the Deleted flag rather than removing the row, so pagination cursors and
// federation backfill stay stable.
type Message struct {
	ID          string      `xorm:"pk 'id'" json:"id"`
	ChannelID   string      `xorm:"index 'channel_id'" json:"channel_id"`
	AuthorID    string      `xorm:"'author_id'" json:"author_id"`
	Content     string      `xorm:"text 'content'" json:"content"`
	EditedAt    *time.Time  `xorm:"'edited_at'" json:"edited_at"`
	Attachments string      `xorm:"text 'attachments'" json:"attachments"` // JSON array of ids
	Mentions    string      `xorm:"text 'mentions'" json:"mentions"`       // JSON array of ids
	ReferenceID string      `xorm:"'reference_id'" json:"reference_id"`
	Flags       MessageFlag `xorm:"'flags'" json:"flags"`
	CreatedAt   time.Time   `xorm:"created 'created_at'" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Deleted reports whether the tombstone flag is set.
func (m *Message) Deleted() bool { return m.Flags&MessageFlagDeleted != 0 }

// idAllocator is the subset of *snowflake.Allocator the store depends on,
// so tests can substitute a deterministic stub.
type idAllocator interface {
	Next() snowflake.ID
}
