package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/go-xorm/xorm"
	_ "github.com/mattn/go-sqlite3"
	"xorm.io/core"

	"github.com/nexus-chat/nexus/internal/bus"
	"github.com/nexus-chat/nexus/internal/filelog"
	"github.com/nexus-chat/nexus/internal/snowflake"
)

// OpenEngine opens an xorm.Engine for driverName ("mysql" or "sqlite3")
// with a t_-prefixed, snake_case table/column mapper.
func OpenEngine(driverName, dataSource string) (*xorm.Engine, error) {
	engine, err := xorm.NewEngine(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("store: open engine: %w", err)
	}
	tbMapper := core.NewPrefixMapper(core.SnakeMapper{}, "t_")
	engine.SetTableMapper(tbMapper)
	engine.SetColumnMapper(core.SnakeMapper{})
	return engine, nil
}

// XormStore is the relational MessageStore implementation.
type XormStore struct {
	engine   *xorm.Engine
	ids      idAllocator
	bus      *bus.Bus
	outbox   *filelog.FileLog
	onCreate func(*Message)

	chanLocks sync.Map // channelID -> *sync.Mutex
}

// SetCreateHook registers fn to run after every committed message insert.
// The federation forwarder hangs off this so a write into a federated room
// also enters the outbound transaction queue.
func (s *XormStore) SetCreateHook(fn func(*Message)) {
	s.onCreate = fn
}

// outboxRecord is the JSON shape appended to the write-ahead outbox and
// replayed by its background loop.
type outboxRecord struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewXormStore wires an engine, id allocator, event bus, and outbox file
// together and syncs the message/channel tables.
func NewXormStore(engine *xorm.Engine, ids *snowflake.Allocator, eventBus *bus.Bus, outboxFile string) (*XormStore, error) {
	if err := engine.Sync2(new(Message), new(Channel)); err != nil {
		return nil, fmt.Errorf("store: sync schema: %w", err)
	}

	s := &XormStore{engine: engine, ids: ids, bus: eventBus}

	fl, err := filelog.NewFileLog(&filelog.Config{
		File:    outboxFile,
		SubFunc: s.replayOutbox,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open outbox: %w", err)
	}
	s.outbox = fl
	return s, nil
}

func (s *XormStore) replayOutbox(records [][]byte) error {
	for _, raw := range records {
		var rec outboxRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Println("store: outbox decode:", err)
			continue
		}
		s.bus.Publish(rec.Topic, rec.Type, rec.Payload)
	}
	return nil
}

func (s *XormStore) lockFor(channelID string) *sync.Mutex {
	v, _ := s.chanLocks.LoadOrStore(channelID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *XormStore) stage(topic, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := outboxRecord{Topic: topic, Type: eventType, Payload: body}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.outbox.Write(recBytes)
}

// Create implements MessageStore.Create. Writes serialize per channel via
// lockFor, preserving id monotonicity for last_message_id even though
// snowflake ids themselves are already globally increasing.
func (s *XormStore) Create(ctx context.Context, channelID, authorID, content, referenceID string, mentions, attachments []string) (*Message, error) {
	mu := s.lockFor(channelID)
	mu.Lock()
	defer mu.Unlock()

	channel := new(Channel)
	has, err := s.engine.ID(channelID).Get(channel)
	if err != nil {
		return nil, fmt.Errorf("store: lookup channel: %w", err)
	}
	if has && channel.E2EE {
		return nil, ErrChannelE2EE
	}

	mentionsJSON, _ := json.Marshal(mentions)
	attachmentsJSON, _ := json.Marshal(attachments)

	msg := &Message{
		ID:          s.ids.Next().String(),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     content,
		Attachments: string(attachmentsJSON),
		Mentions:    string(mentionsJSON),
		ReferenceID: referenceID,
	}

	if _, err := s.engine.Insert(msg); err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	if _, err := s.engine.ID(channelID).Cols("last_message_id").Update(&Channel{LastMessageID: msg.ID}); err != nil {
		log.Println("store: update last_message_id:", err)
	}

	if err := s.stage(fmt.Sprintf("channel:%s", channelID), "MESSAGE_CREATE", msg); err != nil {
		log.Println("store: stage MESSAGE_CREATE:", err)
	}

	if s.onCreate != nil {
		s.onCreate(msg)
	}
	return msg, nil
}

// Edit implements MessageStore.Edit.
func (s *XormStore) Edit(ctx context.Context, channelID, messageID, content string) (*Message, error) {
	mu := s.lockFor(channelID)
	mu.Lock()
	defer mu.Unlock()

	msg := new(Message)
	has, err := s.engine.ID(messageID).Get(msg)
	if err != nil {
		return nil, fmt.Errorf("store: lookup message: %w", err)
	}
	if !has || msg.ChannelID != channelID || msg.Deleted() {
		return nil, ErrNotFound
	}

	now := time.Now()
	msg.Content = content
	msg.EditedAt = &now

	if _, err := s.engine.ID(messageID).Cols("content", "edited_at").Update(msg); err != nil {
		return nil, fmt.Errorf("store: update message: %w", err)
	}

	if err := s.stage(fmt.Sprintf("channel:%s", channelID), "MESSAGE_UPDATE", msg); err != nil {
		log.Println("store: stage MESSAGE_UPDATE:", err)
	}
	return msg, nil
}

// Delete implements MessageStore.Delete by tombstoning.
func (s *XormStore) Delete(ctx context.Context, channelID, messageID string) error {
	mu := s.lockFor(channelID)
	mu.Lock()
	defer mu.Unlock()

	msg := new(Message)
	has, err := s.engine.ID(messageID).Get(msg)
	if err != nil {
		return fmt.Errorf("store: lookup message: %w", err)
	}
	if !has || msg.ChannelID != channelID {
		return ErrNotFound
	}

	msg.Flags |= MessageFlagDeleted
	if _, err := s.engine.ID(messageID).Cols("flags").Update(msg); err != nil {
		return fmt.Errorf("store: tombstone message: %w", err)
	}

	payload := struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}{ID: messageID, ChannelID: channelID}
	if err := s.stage(fmt.Sprintf("channel:%s", channelID), "MESSAGE_DELETE", payload); err != nil {
		log.Println("store: stage MESSAGE_DELETE:", err)
	}
	return nil
}

// Tail implements MessageStore.Tail.
func (s *XormStore) Tail(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	var msgs []*Message
	err := s.engine.Where("channel_id = ?", channelID).
		Desc("id").Limit(clampLimit(limit)).Find(&msgs)
	return msgs, err
}

// Before implements MessageStore.Before.
func (s *XormStore) Before(ctx context.Context, channelID, beforeID string, limit int) ([]*Message, error) {
	var msgs []*Message
	err := s.engine.Where("channel_id = ? AND id < ?", channelID, beforeID).
		Desc("id").Limit(clampLimit(limit)).Find(&msgs)
	return msgs, err
}

// After implements MessageStore.After.
func (s *XormStore) After(ctx context.Context, channelID, afterID string, limit int) ([]*Message, error) {
	var msgs []*Message
	err := s.engine.Where("channel_id = ? AND id > ?", channelID, afterID).
		Asc("id").Limit(clampLimit(limit)).Find(&msgs)
	return msgs, err
}

// Around implements MessageStore.Around: half before, half after, returned
// in overall id-descending order.
func (s *XormStore) Around(ctx context.Context, channelID, aroundID string, limit int) ([]*Message, error) {
	limit = clampLimit(limit)
	half := limit / 2

	// Before clamps a zero limit up to the default page size, so skip it
	// when there is no before half (limit 1).
	var before []*Message
	if half > 0 {
		var err error
		before, err = s.Before(ctx, channelID, aroundID, half)
		if err != nil {
			return nil, err
		}
	}
	after, err := s.After(ctx, channelID, aroundID, limit-half)
	if err != nil {
		return nil, err
	}

	center := new(Message)
	has, err := s.engine.ID(aroundID).Get(center)
	if err != nil {
		return nil, err
	}

	result := make([]*Message, 0, len(before)+len(after)+1)
	// after is ascending; reverse it to descending before prepending.
	for i := len(after) - 1; i >= 0; i-- {
		result = append(result, after[i])
	}
	if has && center.ChannelID == channelID {
		result = append(result, center)
	}
	result = append(result, before...)
	return result, nil
}

// Close releases the outbox file handle.
func (s *XormStore) Close() {
	if s.outbox != nil {
		s.outbox.Close()
	}
}
