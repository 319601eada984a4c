// Package protocol defines the wire messages exchanged between a
// Rendezvous device and the server, plus the envelope
// framing used by the push channel to multiplex those messages over a
// single connection: [1 byte type][4 bytes length (big-endian)][payload
// (msgpack)].
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rendezvous-labs/rendezvous/pkg/keys"
)

// Wire protocol constants.
const (
	AuthTokenSize   = 16
	TopicIDSize     = 12
	MessageIDSize   = 12 // also the file id and AES-GCM nonce
	ECCKeySize      = 32
	MessageKeySize  = 32
	MaxNameLength   = 32
	MaxAppIDLength  = 10
	MaxMetadataSize = 100
	PinMax          = 100000
	PinRetries      = 3
	PinExpiryWindow = 60 * 60 * 32 * 7 // seconds
)

// MessageType identifies the kind of record framed on the push channel.
type MessageType uint8

const (
	TypeUserInfo    MessageType = 0x01
	TypeTopicKeyMsg MessageType = 0x02
	TypeTopicUpdate MessageType = 0x03
	TypeUpdate      MessageType = 0x04
	TypeReceipt     MessageType = 0x05
	TypePing        MessageType = 0xFE
	TypePong        MessageType = 0xFF
)

// MaxPayloadSize is the maximum allowed framed payload size (1 MB).
const MaxPayloadSize = 1 << 20

// HeaderSize is type (1) + length (4).
const HeaderSize = 5

var (
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds max size")
	ErrInvalidHeader   = errors.New("protocol: invalid header")
)

// Envelope wraps a typed record for push-channel transport.
type Envelope struct {
	Type    MessageType `msgpack:"-"`
	Payload []byte      `msgpack:"-"`
}

// Encode serializes a message type and payload into wire format.
func Encode(msgType MessageType, v interface{}) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal failed: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(msgType)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf, nil
}

// Decode reads one framed record from a reader.
func Decode(r io.Reader) (*Envelope, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}

	msgType := MessageType(header[0])
	length := binary.BigEndian.Uint32(header[1:5])

	if length > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	return &Envelope{Type: msgType, Payload: payload}, nil
}

// DecodePayload unmarshals the envelope payload into the target struct.
func (e *Envelope) DecodePayload(v interface{}) error {
	return msgpack.Unmarshal(e.Payload, v)
}

// EncodeRaw creates wire bytes from a pre-built envelope.
func (e *Envelope) EncodeRaw() ([]byte, error) {
	if len(e.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(e.Payload))
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(e.Payload)))
	copy(buf[5:], e.Payload)
	return buf, nil
}

// Role is a topic member's permission level.
type Role uint8

const (
	RoleAdmin Role = iota
	RoleParticipant
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleParticipant:
		return "participant"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// Device is one entry in a UserInfo's device list.
type Device struct {
	DevicePublicKey keys.SigningPublicKey `msgpack:"device_public_key"`
	CreationTime    int64                 `msgpack:"creation_time"`
	IsActive        bool                  `msgpack:"is_active"`
	AppID           string                `msgpack:"app_id"`
}

// UserInfo is the signed record of a user's devices.
type UserInfo struct {
	UserPublicKey keys.SigningPublicKey `msgpack:"user_public_key"`
	Name          string                `msgpack:"name"`
	CreationTime  int64                 `msgpack:"creation_time"`
	Timestamp     int64                 `msgpack:"timestamp"`
	Devices       []Device              `msgpack:"devices"`
	Signature     [64]byte              `msgpack:"signature"`
}

// SignedBytes returns the canonical bytes a UserInfo's signature covers:
// every field except the signature itself, concatenated in a fixed order.
func (u *UserInfo) SignedBytes() []byte {
	buf := make([]byte, 0, 64+len(u.Name)+16+len(u.Devices)*64)
	buf = append(buf, u.UserPublicKey.Bytes()...)
	buf = append(buf, []byte(u.Name)...)
	buf = appendInt64(buf, u.CreationTime)
	buf = appendInt64(buf, u.Timestamp)
	for _, d := range u.Devices {
		buf = append(buf, d.DevicePublicKey.Bytes()...)
		buf = appendInt64(buf, d.CreationTime)
		if d.IsActive {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, []byte(d.AppID)...)
	}
	return buf
}

// SignedPrekey is a device prekey signed under that device's signing key.
type SignedPrekey struct {
	DevicePrekey keys.AgreementPublicKey `msgpack:"device_prekey"`
	Signature    [64]byte                `msgpack:"signature"`
}

// PerDevicePrekeys groups the prekeys returned for one peer device.
type PerDevicePrekeys struct {
	DeviceKey keys.SigningPublicKey `msgpack:"device_key"`
	Prekeys   []SignedPrekey        `msgpack:"prekeys"`
}

// DevicePrekeyBundle is the response to GET user/prekeys.
type DevicePrekeyBundle struct {
	KeyCount  int                `msgpack:"key_count"`
	PerDevice []PerDevicePrekeys `msgpack:"per_device"`
}

// PrekeyUploadRequest is the body of POST device/prekeys.
type PrekeyUploadRequest struct {
	Prekeys []SignedPrekey `msgpack:"prekeys"`
}

// TopicKeyPublicBundle is the signed public half of a user's topic key;
// the signature covers signature_key ‖ encryption_key
// under the owning user's signing key.
type TopicKeyPublicBundle struct {
	UserKey       keys.SigningPublicKey   `msgpack:"user_key"`
	SignatureKey  keys.SigningPublicKey   `msgpack:"signature_key"`
	EncryptionKey keys.AgreementPublicKey `msgpack:"encryption_key"`
	Signature     [64]byte                `msgpack:"signature"`
}

// SignedBytes returns the bytes the bundle's signature covers.
func (b *TopicKeyPublicBundle) SignedBytes() []byte {
	buf := make([]byte, 0, ECCKeySize*2)
	buf = append(buf, b.SignatureKey.Bytes()...)
	buf = append(buf, b.EncryptionKey.Bytes()...)
	return buf
}

// TopicKeyMessage delivers a topic key to another device of the same user.
// Encrypted holds signing_priv ‖ enc_priv, encrypted under the
// receiving device's prekey.
type TopicKeyMessage struct {
	DevicePrekey keys.AgreementPublicKey `msgpack:"device_prekey"`
	Bundle       TopicKeyPublicBundle    `msgpack:"bundle"`
	Encrypted    []byte                  `msgpack:"encrypted"`
}

// PerDeviceTopicKeyMessages groups topic key messages addressed to one peer device.
type PerDeviceTopicKeyMessages struct {
	DeviceKey keys.SigningPublicKey `msgpack:"device_key"`
	Messages  []TopicKeyMessage     `msgpack:"messages"`
}

// TopicKeyBundle is the body of POST user/topickeys: newly generated topic
// keys fanned out to every other device of the uploading user.
type TopicKeyBundle struct {
	TopicKeys []TopicKeyPublicBundle      `msgpack:"topic_keys"`
	Messages  []PerDeviceTopicKeyMessages `msgpack:"messages"`
}

// TopicKeyRequest is the body of POST users/topickey: one topic key is
// requested for each listed user.
type TopicKeyRequest struct {
	Users []keys.SigningPublicKey `msgpack:"users"`
}

// TopicKeyResponse is the server's reply: zero or one bundle per requested
// user (a user with no available topic key is simply absent).
type TopicKeyResponse struct {
	Keys []TopicKeyPublicBundle `msgpack:"keys"`
}

// TopicMember is one row of a topic's member list. Signature is
// the member's topic-key binding proof — the same value as the owning
// TopicKeyPublicBundle's signature — carried on the wire so a receiver can
// verify every member's binding using only the
// Topic record, without needing that user's topic-key pool.
type TopicMember struct {
	UserKey             keys.SigningPublicKey   `msgpack:"user_key"`
	SignatureKey        keys.SigningPublicKey   `msgpack:"signature_key"`
	EncryptionKey       keys.AgreementPublicKey `msgpack:"encryption_key"`
	Role                Role                    `msgpack:"role"`
	EncryptedMessageKey []byte                  `msgpack:"encrypted_message_key"`
	Signature           [64]byte                `msgpack:"signature"`
}

// SignedBytes returns the bytes a member's binding signature covers.
func (m *TopicMember) SignedBytes() []byte {
	buf := make([]byte, 0, ECCKeySize*2)
	buf = append(buf, m.SignatureKey.Bytes()...)
	buf = append(buf, m.EncryptionKey.Bytes()...)
	return buf
}

// Topic is the wire form posted on creation and received on ingestion
// (minus the client-only chain and message-key state, which lives in
// internal/topic).
type Topic struct {
	TopicID      [TopicIDSize]byte `msgpack:"topic_id"`
	CreationTime int64             `msgpack:"creation_time"`
	Timestamp    int64             `msgpack:"timestamp"`
	Members      []TopicMember     `msgpack:"members"`
	Signature    [64]byte          `msgpack:"signature"`
}

// SignedBytes returns the bytes the creator's topic-signing-key signature
// covers: topic_id ‖ creation_time ‖ timestamp ‖, for each member,
// user_key ‖ signature_key ‖ encryption_key ‖ role ‖ encrypted_message_key.
func (t *Topic) SignedBytes() []byte {
	buf := make([]byte, 0, 32+len(t.Members)*96)
	buf = append(buf, t.TopicID[:]...)
	buf = appendInt64(buf, t.CreationTime)
	buf = appendInt64(buf, t.Timestamp)
	for _, m := range t.Members {
		buf = append(buf, m.UserKey.Bytes()...)
		buf = append(buf, m.SignatureKey.Bytes()...)
		buf = append(buf, m.EncryptionKey.Bytes()...)
		buf = append(buf, byte(m.Role))
		buf = append(buf, m.EncryptedMessageKey...)
	}
	return buf
}

// FileDescriptor references a file attached to an Update: id is
// the AES-GCM nonce used to seal it, hash is over the ciphertext, tag is
// the GCM authentication tag.
type FileDescriptor struct {
	ID   [MessageIDSize]byte `msgpack:"id"`
	Tag  [16]byte            `msgpack:"tag"`
	Hash [32]byte            `msgpack:"hash"`
}

// UpdateUpload is what a device posts to topic/message; chain_index and
// output are assigned by the server and returned as a ChainState.
type UpdateUpload struct {
	TopicID     [TopicIDSize]byte `msgpack:"topic_id"`
	SenderIndex int               `msgpack:"sender_index"`
	Metadata    []byte            `msgpack:"metadata"` // combined AES-GCM form
	Files       []FileDescriptor  `msgpack:"files"`
	Signature   [64]byte          `msgpack:"signature"`
}

// SignedBytes returns the canonical bytes an UpdateUpload's signature covers.
func (u *UpdateUpload) SignedBytes() []byte {
	buf := make([]byte, 0, 32+len(u.Metadata)+len(u.Files)*48)
	buf = append(buf, u.TopicID[:]...)
	buf = appendInt64(buf, int64(u.SenderIndex))
	buf = append(buf, u.Metadata...)
	for _, f := range u.Files {
		buf = append(buf, f.ID[:]...)
		buf = append(buf, f.Tag[:]...)
		buf = append(buf, f.Hash[:]...)
	}
	return buf
}

// ChainState is the server's authoritative reply to topic/message.
type ChainState struct {
	ChainIndex uint32   `msgpack:"chain_index"`
	Output     [32]byte `msgpack:"output"`
}

// Update is a verified (or pending) content post, either freshly built on
// send or ingested from a DeviceDownload.
type Update struct {
	ChainIndex    uint32                `msgpack:"chain_index"`
	Output        [32]byte              `msgpack:"output"`
	Metadata      []byte                `msgpack:"metadata"`
	Files         []FileDescriptor      `msgpack:"files"`
	Signature     [64]byte              `msgpack:"signature"`
	SenderUserKey keys.SigningPublicKey `msgpack:"sender_user_key"`
	SenderIndex   int                   `msgpack:"sender_index"`
	TopicID       [TopicIDSize]byte     `msgpack:"topic_id"`
}

// SignedBytes returns the bytes the sender's topic-signing-key signature
// covers — the same canonical form as UpdateUpload.SignedBytes, since an
// Update is just an UpdateUpload the server has assigned a chain position to.
func (u *Update) SignedBytes() []byte {
	up := UpdateUpload{TopicID: u.TopicID, SenderIndex: u.SenderIndex, Metadata: u.Metadata, Files: u.Files}
	return up.SignedBytes()
}

// Receipt records that a member's device has verified a topic's chain up
// to a given index.
type Receipt struct {
	TopicID    [TopicIDSize]byte     `msgpack:"topic_id"`
	ChainIndex uint32                `msgpack:"chain_index"`
	Sender     keys.SigningPublicKey `msgpack:"sender"`
	Signature  [64]byte              `msgpack:"signature"`
}

// DeviceDownload is the envelope returned by GET device/messages and
// replayed (one record at a time) through receive_from_push.
type DeviceDownload struct {
	UserInfo         *UserInfo         `msgpack:"user_info"`
	TopicKeyMessages []TopicKeyMessage `msgpack:"topic_key_messages"`
	TopicUpdates     []Topic           `msgpack:"topic_updates"`
	Messages         []Update          `msgpack:"messages"`
	Receipts         []Receipt         `msgpack:"receipts"`
}

// RegistrationBundle is the body of POST user/register.
type RegistrationBundle struct {
	UserInfo  UserInfo               `msgpack:"user_info"`
	Pin       uint32                 `msgpack:"pin"`
	Prekeys   []SignedPrekey         `msgpack:"prekeys"`
	TopicKeys []TopicKeyPublicBundle `msgpack:"topic_keys"`
}

// AllowedUser is the response to POST user/allow.
type AllowedUser struct {
	Pin    uint32 `msgpack:"pin"`
	Expiry int64  `msgpack:"expiry"` // unix seconds
}

// Marshal encodes v using the wire msgpack encoding (used for HTTP bodies,
// which carry a single message and need no envelope framing).
func Marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes b into v using the wire msgpack encoding.
func Unmarshal(b []byte, v interface{}) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return nil
}

func appendInt64(buf []byte, v int64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
