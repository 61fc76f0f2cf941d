// Package e2ee implements the server's side of end-to-end encryption:
// opaque per-device ciphertext storage and pre-key bundle vending. The
// server is never a cryptography participant; this package stores bytes it
// cannot read and enforces only routing and consumption invariants.
package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-xorm/xorm"

	"github.com/nexus-chat/nexus/internal/bus"
	"github.com/nexus-chat/nexus/internal/snowflake"
)

// ErrNotMember is returned when the sender is not a member of the channel.
var ErrNotMember = errors.New("e2ee: sender is not a channel member")

// ErrNotE2EE is returned when the target channel is not E2EE-enabled.
var ErrNotE2EE = errors.New("e2ee: channel is not end-to-end encrypted")

// ErrIncompleteRecipients is returned when the ciphertext map omits a
// currently-registered recipient device.
var ErrIncompleteRecipients = errors.New("e2ee: ciphertext map missing registered recipient device")

// ErrNoOneTimeKey is returned by claimOneTimeKey when a device has no
// remaining one-time pre-key. ClaimBundle treats it as expected, not
// exceptional, and returns the bundle without a one-time key.
var ErrNoOneTimeKey = errors.New("e2ee: no one-time pre-key available")

// ErrDeviceRevoked is returned when a bundle is requested for a revoked
// device.
var ErrDeviceRevoked = errors.New("e2ee: device revoked")

// Device is one registered E2EE device. A revoked device keeps its rows
// for history but is refused new bundles.
type Device struct {
	ID              string     `xorm:"pk 'id'"`
	UserID          string     `xorm:"index 'user_id'"`
	IdentityKey     string     `xorm:"text 'identity_key'"`
	SignedPreKey    string     `xorm:"text 'signed_pre_key'"`
	SignedPreKeySig string     `xorm:"text 'signed_pre_key_sig'"`
	RevokedAt       *time.Time `xorm:"'revoked_at'"`
}

func (Device) TableName() string { return "devices" }

// OneTimePreKey is a single-use pre-key belonging to a device. Consumed is
// set atomically on claim; a key can never be vended twice.
type OneTimePreKey struct {
	ID        int64  `xorm:"pk autoincr 'id'"`
	DeviceID  string `xorm:"index 'device_id'"`
	KeyBody   string `xorm:"text 'key_body'"`
	Consumed  bool   `xorm:"'consumed'"`
	ClaimedBy string `xorm:"'claimed_by'"`
}

func (OneTimePreKey) TableName() string { return "one_time_pre_keys" }

// Bundle is the public material vended by ClaimBundle: everything a peer
// needs to start an X3DH session with the device.
type Bundle struct {
	IdentityKey     string  `json:"identity_key"`
	SignedPreKey    string  `json:"signed_pre_key"`
	SignedPreKeySig string  `json:"signed_pre_key_sig"`
	OneTimePreKey   *string `json:"one_time_pre_key,omitempty"`
}

// EncryptedMessage is one stored ciphertext-map message. CiphertextMap is
// opaque JSON the server never decodes past its top-level key set.
type EncryptedMessage struct {
	ID             string    `xorm:"pk 'id'"`
	ChannelID      string    `xorm:"index 'channel_id'"`
	SenderID       string    `xorm:"'sender_id'"`
	SenderDeviceID string    `xorm:"'sender_device_id'"`
	CiphertextMap  string    `xorm:"text 'ciphertext_map'"` // JSON: recipient_device_id -> {type, body}
	CreatedAt      time.Time `xorm:"created 'created_at'"`
}

func (EncryptedMessage) TableName() string { return "encrypted_messages" }

// Attestation is a client-signed device-verification record: the server
// stores it but never inspects the signature's validity, which is a
// client-side concern.
type Attestation struct {
	ID         int64     `xorm:"pk autoincr 'id'"`
	VerifierID string    `xorm:"'verifier_id'"`
	DeviceID   string    `xorm:"'device_id'"`
	Signature  string    `xorm:"text 'signature'"`
	CreatedAt  time.Time `xorm:"created 'created_at'"`
}

func (Attestation) TableName() string { return "attestations" }

// ChannelLookup resolves whether a channel is E2EE-enabled and the set of
// currently-registered recipient device ids for it, minus any explicitly
// excluded sender devices. Membership/roster computation lives with the
// REST/CRUD collaborator; this package only depends on the narrow
// interface it needs.
type ChannelLookup interface {
	IsE2EE(channelID string) (bool, error)
	IsMember(channelID, userID string) (bool, error)
	RecipientDevices(channelID string, excludeUserID string) ([]string, error)
}

// Store implements pre-key vending and encrypted-message storage.
type Store struct {
	engine   *xorm.Engine
	ids      *snowflake.Allocator
	bus      *bus.Bus
	channels ChannelLookup
}

// NewStore wires an engine, id allocator, event bus and channel lookup
// together and syncs the E2EE schema.
func NewStore(engine *xorm.Engine, ids *snowflake.Allocator, eventBus *bus.Bus, channels ChannelLookup) (*Store, error) {
	if err := engine.Sync2(new(Device), new(OneTimePreKey), new(EncryptedMessage), new(Attestation)); err != nil {
		return nil, fmt.Errorf("e2ee: sync schema: %w", err)
	}
	return &Store{engine: engine, ids: ids, bus: eventBus, channels: channels}, nil
}

// RegisterDevice upserts a device's identity and signed pre-key.
func (s *Store) RegisterDevice(ctx context.Context, d *Device) error {
	has, err := s.engine.ID(d.ID).Exist(new(Device))
	if err != nil {
		return fmt.Errorf("e2ee: lookup device: %w", err)
	}
	if has {
		_, err = s.engine.ID(d.ID).Cols("identity_key", "signed_pre_key", "signed_pre_key_sig").Update(d)
		return err
	}
	_, err = s.engine.Insert(d)
	return err
}

// AddOneTimePreKeys appends fresh one-time pre-keys for a device.
func (s *Store) AddOneTimePreKeys(ctx context.Context, deviceID string, bodies []string) error {
	rows := make([]*OneTimePreKey, 0, len(bodies))
	for _, body := range bodies {
		rows = append(rows, &OneTimePreKey{DeviceID: deviceID, KeyBody: body})
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := s.engine.Insert(rows)
	return err
}

// ClaimBundle vends a pre-key bundle for deviceID, atomically consuming
// one one-time pre-key if available. When the device's one-time keys are
// exhausted the bundle ships without one and clients fall back to the
// signed pre-key.
func (s *Store) ClaimBundle(ctx context.Context, deviceID, claimantID string) (*Bundle, error) {
	dev := new(Device)
	has, err := s.engine.ID(deviceID).Get(dev)
	if err != nil {
		return nil, fmt.Errorf("e2ee: lookup device: %w", err)
	}
	if !has {
		return nil, fmt.Errorf("e2ee: unknown device %s", deviceID)
	}
	if dev.RevokedAt != nil {
		return nil, ErrDeviceRevoked
	}

	bundle := &Bundle{
		IdentityKey:     dev.IdentityKey,
		SignedPreKey:    dev.SignedPreKey,
		SignedPreKeySig: dev.SignedPreKeySig,
	}

	otk, err := s.claimOneTimeKey(deviceID, claimantID)
	if err != nil && !errors.Is(err, ErrNoOneTimeKey) {
		return nil, err
	}
	if otk != nil {
		bundle.OneTimePreKey = &otk.KeyBody
	}
	return bundle, nil
}

// claimOneTimeKey performs the atomic consume: an UPDATE ... WHERE
// consumed = false guarded by the affected-rows count, so two concurrent
// claimants can never both win the same row.
func (s *Store) claimOneTimeKey(deviceID, claimantID string) (*OneTimePreKey, error) {
	var candidate OneTimePreKey
	has, err := s.engine.Where("device_id = ? AND consumed = ?", deviceID, false).
		Asc("id").Limit(1).Get(&candidate)
	if err != nil {
		return nil, fmt.Errorf("e2ee: find one-time key: %w", err)
	}
	if !has {
		return nil, ErrNoOneTimeKey
	}

	affected, err := s.engine.Where("id = ? AND consumed = ?", candidate.ID, false).
		Cols("consumed", "claimed_by").Update(&OneTimePreKey{Consumed: true, ClaimedBy: claimantID})
	if err != nil {
		return nil, fmt.Errorf("e2ee: consume one-time key: %w", err)
	}
	if affected == 0 {
		// Lost the race to a concurrent claimant; try again, which either
		// finds another row or reports none left (signed pre-key fallback).
		return s.claimOneTimeKey(deviceID, claimantID)
	}
	return &candidate, nil
}

// ciphertextEnvelope is one per-device entry of the client-submitted
// ciphertext map.
type ciphertextEnvelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Send validates and stores an encrypted message, then dispatches
// ENCRYPTED_MESSAGE_CREATE. ciphertextMap keys are recipient device ids;
// values are opaque to the server.
func (s *Store) Send(ctx context.Context, channelID, senderID, senderDeviceID string, ciphertextMap map[string]json.RawMessage) (*EncryptedMessage, error) {
	isE2EE, err := s.channels.IsE2EE(channelID)
	if err != nil {
		return nil, fmt.Errorf("e2ee: lookup channel: %w", err)
	}
	if !isE2EE {
		return nil, ErrNotE2EE
	}

	isMember, err := s.channels.IsMember(channelID, senderID)
	if err != nil {
		return nil, fmt.Errorf("e2ee: lookup membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotMember
	}

	required, err := s.channels.RecipientDevices(channelID, senderID)
	if err != nil {
		return nil, fmt.Errorf("e2ee: lookup recipient devices: %w", err)
	}
	for _, deviceID := range required {
		if _, ok := ciphertextMap[deviceID]; !ok {
			return nil, ErrIncompleteRecipients
		}
	}

	mapJSON, err := json.Marshal(ciphertextMap)
	if err != nil {
		return nil, fmt.Errorf("e2ee: marshal ciphertext map: %w", err)
	}

	msg := &EncryptedMessage{
		ID:             s.ids.Next().String(),
		ChannelID:      channelID,
		SenderID:       senderID,
		SenderDeviceID: senderDeviceID,
		CiphertextMap:  string(mapJSON),
	}
	if _, err := s.engine.Insert(msg); err != nil {
		return nil, fmt.Errorf("e2ee: insert encrypted message: %w", err)
	}

	payload, _ := json.Marshal(msg)
	s.bus.Publish(fmt.Sprintf("channel:%s", channelID), "ENCRYPTED_MESSAGE_CREATE", payload)
	return msg, nil
}

// RecordAttestation stores a client-signed device-verification
// attestation. The server does not validate the signature; it is a dumb
// relay for this attestation too.
func (s *Store) RecordAttestation(ctx context.Context, verifierID, deviceID, signature string) error {
	_, err := s.engine.Insert(&Attestation{VerifierID: verifierID, DeviceID: deviceID, Signature: signature})
	return err
}

// RevokeDevice marks a device revoked, refusing future ClaimBundle calls
// for it.
func (s *Store) RevokeDevice(ctx context.Context, deviceID string) error {
	now := time.Now()
	_, err := s.engine.ID(deviceID).Cols("revoked_at").Update(&Device{RevokedAt: &now})
	return err
}
