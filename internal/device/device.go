// Package device implements the device core: the orchestrator
// tying together prekeys, topic keys, topics, and the server adapter
// behind a single serialized actor.
package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/internal/security"
	"github.com/rendezvous-labs/rendezvous/internal/topic"
	"github.com/rendezvous-labs/rendezvous/internal/topickeys"
	"github.com/rendezvous-labs/rendezvous/internal/transport"
	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// Deps bundles a Device's external collaborators.
type Deps struct {
	Client  transport.Client
	Logger  zerolog.Logger
	Handler Handler
}

// Device is a single logical actor: every exported method takes
// an internal lock, so no two handler invocations mutate state concurrently.
type Device struct {
	mu sync.Mutex

	serverURL string
	appID     string
	client    transport.Client
	logger    zerolog.Logger
	handler   Handler

	userPriv   keys.SigningPrivateKey
	devicePriv keys.SigningPrivateKey
	userPub    keys.SigningPublicKey
	userInfo   protocol.UserInfo
	authToken  [protocol.AuthTokenSize]byte

	prekeys      map[keys.AgreementPublicKey]keys.AgreementPrivateKey
	topicKeyPool []*topickeys.TopicKeys
	topics       map[[protocol.TopicIDSize]byte]*topic.State
}

func newDevice(serverURL, appID string, userPriv, devicePriv keys.SigningPrivateKey, userPub keys.SigningPublicKey, deps Deps) *Device {
	handler := deps.Handler
	if handler == nil {
		handler = func(Event) {}
	}
	return &Device{
		serverURL:  serverURL,
		appID:      appID,
		client:     deps.Client,
		logger:     deps.Logger.With().Str("component", "device").Logger(),
		handler:    handler,
		userPriv:   userPriv,
		devicePriv: devicePriv,
		userPub:    userPub,
		prekeys:    make(map[keys.AgreementPublicKey]keys.AgreementPrivateKey),
		topics:     make(map[[protocol.TopicIDSize]byte]*topic.State),
	}
}

// New creates a fresh Device for a brand-new identity: user and device
// signing keys are generated, and userInfo starts as a single-device
// record signed by the user key.
func New(serverURL, appID string, deps Deps) (*Device, error) {
	userPriv, userPub, err := keys.NewSigningKeyPair()
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "generate user identity key", err)
	}
	devicePriv, devicePub, err := keys.NewSigningKeyPair()
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "generate device identity key", err)
	}

	d := newDevice(serverURL, appID, userPriv, devicePriv, userPub, deps)
	now := time.Now().Unix()
	info := protocol.UserInfo{
		UserPublicKey: userPub,
		CreationTime:  now,
		Timestamp:     now,
		Devices: []protocol.Device{
			{DevicePublicKey: devicePub, CreationTime: now, IsActive: true, AppID: appID},
		},
	}
	info.Signature = userPriv.Sign(info.SignedBytes())
	d.userInfo = info
	return d, nil
}

// NewFromClientData restores a Device from a persisted blob.
func NewFromClientData(data ClientData, deps Deps) (*Device, error) {
	return restore(data, deps)
}

// Devices exposes the current account's device list, read-only.
func (d *Device) Devices() []protocol.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Device(nil), d.userInfo.Devices...)
}

// UserPublicKey returns this device's owning user's identity key.
func (d *Device) UserPublicKey() keys.SigningPublicKey { return d.userPub }

// DevicePublicKey returns this device's own identity key.
func (d *Device) DevicePublicKey() keys.SigningPublicKey { return d.devicePriv.Public() }

func (d *Device) deviceHeaders() map[string]string {
	return map[string]string{
		"auth":   base64.StdEncoding.EncodeToString(d.authToken[:]),
		"device": base64.URLEncoding.EncodeToString(d.devicePriv.Public().Bytes()),
	}
}

// Register exchanges a pin for an auth token, posting this device's own
// UserInfo, prekeys, and topic keys.
func (d *Device) Register(ctx context.Context, pin uint32, prekeyCount, topicKeyCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prekeys, prekeyPrivs, err := d.mintPrekeysLocked(prekeyCount)
	if err != nil {
		return err
	}
	topicKeyBundles := make([]protocol.TopicKeyPublicBundle, 0, topicKeyCount)
	mintedTopicKeys := make([]*topickeys.TopicKeys, 0, topicKeyCount)
	for i := 0; i < topicKeyCount; i++ {
		tk, err := topickeys.New(d.userPriv)
		if err != nil {
			return err
		}
		topicKeyBundles = append(topicKeyBundles, tk.Bundle)
		mintedTopicKeys = append(mintedTopicKeys, tk)
	}

	bundle := protocol.RegistrationBundle{
		UserInfo:  d.userInfo,
		Pin:       pin,
		Prekeys:   prekeys,
		TopicKeys: topicKeyBundles,
	}
	body, err := protocol.Marshal(bundle)
	if err != nil {
		return rverrors.Wrap(rverrors.KindSerializationFailed, "marshal registration bundle", err)
	}

	resp, err := d.client.Do(ctx, "POST", "user/register", nil, body)
	if err != nil {
		return err
	}
	if len(resp) != protocol.AuthTokenSize {
		return rverrors.New(rverrors.KindNoDataInResponse, "user/register did not return a 16-byte token")
	}
	copy(d.authToken[:], resp)

	for pub, priv := range prekeyPrivs {
		d.prekeys[pub] = priv
	}
	d.topicKeyPool = append(d.topicKeyPool, mintedTopicKeys...)
	return nil
}

func (d *Device) mintPrekeysLocked(count int) ([]protocol.SignedPrekey, map[keys.AgreementPublicKey]keys.AgreementPrivateKey, error) {
	signed := make([]protocol.SignedPrekey, 0, count)
	privs := make(map[keys.AgreementPublicKey]keys.AgreementPrivateKey, count)
	for i := 0; i < count; i++ {
		priv, pub, err := keys.NewAgreementKeyPair()
		if err != nil {
			return nil, nil, rverrors.Wrap(rverrors.KindUnknown, "generate prekey", err)
		}
		sp := protocol.SignedPrekey{DevicePrekey: pub}
		sp.Signature = d.devicePriv.Sign(pub.Bytes())
		signed = append(signed, sp)
		privs[pub] = priv
	}
	return signed, privs, nil
}

// UploadPrekeys mints count fresh ECDH prekeys, signs each public half
// under the device key, and posts them. The store's keys are exactly the
// unconsumed public prekeys; each loop iteration draws fresh randomness, so
// no duplicate is ever minted.
func (d *Device) UploadPrekeys(ctx context.Context, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	signed, privs, err := d.mintPrekeysLocked(count)
	if err != nil {
		return err
	}
	body, err := protocol.Marshal(protocol.PrekeyUploadRequest{Prekeys: signed})
	if err != nil {
		return rverrors.Wrap(rverrors.KindSerializationFailed, "marshal prekey upload", err)
	}
	if _, err := d.client.Do(ctx, "POST", "device/prekeys", d.deviceHeaders(), body); err != nil {
		return err
	}

	for pub, priv := range privs {
		d.prekeys[pub] = priv
	}
	return nil
}

// UpdateUserInfo fetches the authoritative UserInfo record and merges it.
// The server otherwise only pushes UserInfo updates through
// device/messages; a standalone self-fetch is still necessary for a freshly
// restored device that wants to resync before its next push message
// arrives, so user/info is a GET counterpart to the other read routes.
func (d *Device) UpdateUserInfo(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.client.Do(ctx, "GET", "user/info", d.deviceHeaders(), nil)
	if err != nil {
		return err
	}
	var info protocol.UserInfo
	if err := protocol.Unmarshal(resp, &info); err != nil {
		return rverrors.Wrap(rverrors.KindSerializationFailed, "unmarshal user info", err)
	}
	return d.mergeUserInfoLocked(info)
}

// mergeUserInfoLocked applies an incoming UserInfo record against the
// currently held one. Callers must hold d.mu.
func (d *Device) mergeUserInfoLocked(info protocol.UserInfo) error {
	current := d.userInfo

	if info.Timestamp <= current.Timestamp {
		return rverrors.New(rverrors.KindRequestOutdated, "user info timestamp did not advance")
	}
	if !current.UserPublicKey.Verify(info.Signature, info.SignedBytes()) {
		return rverrors.New(rverrors.KindInvalidSignature, "user info signature invalid")
	}
	if info.UserPublicKey != current.UserPublicKey || info.Name != current.Name || info.CreationTime != current.CreationTime {
		return rverrors.New(rverrors.KindInvalidServerData, "user info identity fields changed")
	}
	for i := 1; i < len(info.Devices); i++ {
		if info.Devices[i].CreationTime < info.Devices[i-1].CreationTime {
			return rverrors.New(rverrors.KindInvalidServerData, "user info devices not ascending by creation time")
		}
	}

	oldByKey := make(map[keys.SigningPublicKey]protocol.Device, len(current.Devices))
	for _, dev := range current.Devices {
		oldByKey[dev.DevicePublicKey] = dev
	}
	newByKey := make(map[keys.SigningPublicKey]protocol.Device, len(info.Devices))
	for _, dev := range info.Devices {
		newByKey[dev.DevicePublicKey] = dev
		if old, ok := oldByKey[dev.DevicePublicKey]; !ok {
			d.handler(Event{Kind: EventUserDeviceAdded, Device: dev.DevicePublicKey})
		} else if old != dev {
			d.handler(Event{Kind: EventUserDeviceChanged, Device: dev.DevicePublicKey})
		}
	}
	for _, dev := range current.Devices {
		if _, ok := newByKey[dev.DevicePublicKey]; !ok {
			d.handler(Event{Kind: EventUserDeviceRemoved, Device: dev.DevicePublicKey})
		}
	}

	d.userInfo = info
	return nil
}

// UploadTopicKeys requests a prekey bundle for every other device of this
// user, verifies it locally, mints the bundle's key_count fresh topic keys,
// and fans them out to each of those devices.
func (d *Device) UploadTopicKeys(ctx context.Context, count int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	headers := d.deviceHeaders()
	headers["count"] = strconv.Itoa(count)
	headers["app"] = d.appID

	resp, err := d.client.Do(ctx, "GET", "user/prekeys", headers, nil)
	if err != nil {
		return err
	}
	var bundle protocol.DevicePrekeyBundle
	if err := protocol.Unmarshal(resp, &bundle); err != nil {
		return rverrors.Wrap(rverrors.KindSerializationFailed, "unmarshal prekey bundle", err)
	}

	selfKey := d.devicePriv.Public()
	seen := make(map[keys.SigningPublicKey]bool, len(bundle.PerDevice))
	for _, pd := range bundle.PerDevice {
		if pd.DeviceKey == selfKey {
			continue
		}
		found := false
		for _, dev := range d.userInfo.Devices {
			if dev.DevicePublicKey == pd.DeviceKey {
				found = true
				break
			}
		}
		if !found {
			return rverrors.New(rverrors.KindInvalidServerData, "prekey bundle references a device not in user info")
		}
		if len(pd.Prekeys) != bundle.KeyCount {
			return rverrors.New(rverrors.KindInvalidServerData, "prekey bundle has wrong key count for a device")
		}
		for _, sp := range pd.Prekeys {
			if !pd.DeviceKey.Verify(sp.Signature, sp.DevicePrekey.Bytes()) {
				return rverrors.New(rverrors.KindInvalidSignature, "prekey signature invalid")
			}
		}
		seen[pd.DeviceKey] = true
	}
	for _, dev := range d.userInfo.Devices {
		if dev.DevicePublicKey == selfKey {
			continue
		}
		if !seen[dev.DevicePublicKey] {
			return rverrors.New(rverrors.KindInvalidServerData, "prekey bundle is missing a known device")
		}
	}

	minted := make([]*topickeys.TopicKeys, 0, bundle.KeyCount)
	publicBundles := make([]protocol.TopicKeyPublicBundle, 0, bundle.KeyCount)
	for i := 0; i < bundle.KeyCount; i++ {
		tk, err := topickeys.New(d.userPriv)
		if err != nil {
			return err
		}
		minted = append(minted, tk)
		publicBundles = append(publicBundles, tk.Bundle)
	}

	messages := make([]protocol.PerDeviceTopicKeyMessages, 0, len(bundle.PerDevice))
	for _, pd := range bundle.PerDevice {
		if pd.DeviceKey == selfKey {
			continue
		}
		msgs := make([]protocol.TopicKeyMessage, 0, bundle.KeyCount)
		for i, tk := range minted {
			wrapped, err := tk.WrapFor(pd.Prekeys[i].DevicePrekey)
			if err != nil {
				return err
			}
			msgs = append(msgs, wrapped)
		}
		messages = append(messages, protocol.PerDeviceTopicKeyMessages{DeviceKey: pd.DeviceKey, Messages: msgs})
	}

	body, err := protocol.Marshal(protocol.TopicKeyBundle{TopicKeys: publicBundles, Messages: messages})
	if err != nil {
		return rverrors.Wrap(rverrors.KindSerializationFailed, "marshal topic key bundle", err)
	}
	if _, err := d.client.Do(ctx, "POST", "user/topickeys", d.deviceHeaders(), body); err != nil {
		return err
	}

	d.topicKeyPool = append(d.topicKeyPool, minted...)
	return nil
}

func sortedMemberKeys(members map[keys.SigningPublicKey]protocol.Role) []keys.SigningPublicKey {
	out := make([]keys.SigningPublicKey, 0, len(members))
	for k := range members {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// CreateTopic downloads topic keys for the requested members (a user
// without an available key is silently dropped), pops one of the caller's
// own unused topic keys, and posts a freshly signed Topic.
func (d *Device) CreateTopic(ctx context.Context, members map[keys.SigningPublicKey]protocol.Role) (protocol.Topic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	userKeys := sortedMemberKeys(members)
	reqBody, err := protocol.Marshal(protocol.TopicKeyRequest{Users: userKeys})
	if err != nil {
		return protocol.Topic{}, rverrors.Wrap(rverrors.KindSerializationFailed, "marshal topic key request", err)
	}
	resp, err := d.client.Do(ctx, "POST", "users/topickey", d.deviceHeaders(), reqBody)
	if err != nil {
		return protocol.Topic{}, err
	}
	var tkResp protocol.TopicKeyResponse
	if err := protocol.Unmarshal(resp, &tkResp); err != nil {
		return protocol.Topic{}, rverrors.Wrap(rverrors.KindSerializationFailed, "unmarshal topic key response", err)
	}
	parsed, err := topickeys.BulkParse(tkResp)
	if err != nil {
		return protocol.Topic{}, err
	}

	if len(d.topicKeyPool) == 0 {
		return protocol.Topic{}, rverrors.New(rverrors.KindInvalidRequest, "no unused topic keys available")
	}
	tk := d.topicKeyPool[len(d.topicKeyPool)-1]
	d.topicKeyPool = d.topicKeyPool[:len(d.topicKeyPool)-1]

	messageKey, err := crypto.Random(crypto.MessageKeySize)
	if err != nil {
		return protocol.Topic{}, rverrors.Wrap(rverrors.KindUnknown, "generate topic message key", err)
	}
	rawID, err := crypto.Random(protocol.TopicIDSize)
	if err != nil {
		return protocol.Topic{}, rverrors.Wrap(rverrors.KindUnknown, "generate topic id", err)
	}
	var topicID [protocol.TopicIDSize]byte
	copy(topicID[:], rawID)

	creatorMember, err := topickeys.NewMemberInfo(tk.Bundle, protocol.RoleAdmin, messageKey)
	if err != nil {
		return protocol.Topic{}, err
	}
	memberList := []protocol.TopicMember{creatorMember}

	for _, userKey := range userKeys {
		bundle, ok := parsed[userKey]
		if !ok {
			continue
		}
		member, err := topickeys.NewMemberInfo(bundle, members[userKey], messageKey)
		if err != nil {
			return protocol.Topic{}, err
		}
		memberList = append(memberList, member)
	}

	now := time.Now().Unix()
	wire := protocol.Topic{TopicID: topicID, CreationTime: now, Timestamp: now, Members: memberList}
	wire.Signature = tk.SigningPriv.Sign(wire.SignedBytes())

	body, err := protocol.Marshal(wire)
	if err != nil {
		return protocol.Topic{}, rverrors.Wrap(rverrors.KindSerializationFailed, "marshal topic", err)
	}
	if _, err := d.client.Do(ctx, "POST", "topic/create", d.deviceHeaders(), body); err != nil {
		return protocol.Topic{}, err
	}

	st := topic.New(wire, tk.SigningPriv, tk.EncPriv, messageKey, d.logger)
	d.topics[topicID] = st
	d.handler(Event{Kind: EventTopicAdded, TopicID: topicID, Topic: wire})

	return wire, nil
}

func filePath(topicID [protocol.TopicIDSize]byte, fileID [protocol.MessageIDSize]byte) string {
	return fmt.Sprintf("files/%s/%s", base64.URLEncoding.EncodeToString(topicID[:]), base64.URLEncoding.EncodeToString(fileID[:]))
}

// Upload is the send path: the caller must be a topic member and not an
// observer. Local topic state is not mutated here; the update is applied
// only when it returns through the receive path, keeping chain
// reconciliation at a single point.
func (d *Device) Upload(ctx context.Context, topicID [protocol.TopicIDSize]byte, metadata []byte, files [][]byte) (protocol.Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.topics[topicID]
	if !ok {
		return protocol.Update{}, rverrors.New(rverrors.KindUnknown, "unknown topic")
	}
	senderIndex := st.MemberIndex(d.userPub)
	if senderIndex < 0 {
		return protocol.Update{}, rverrors.New(rverrors.KindUnknown, "not a member of topic")
	}
	if st.Members[senderIndex].Role == protocol.RoleObserver {
		return protocol.Update{}, rverrors.New(rverrors.KindNoPermissionToWrite, "observer cannot post updates")
	}
	if err := security.NewValidator().ValidateMetadata(metadata); err != nil {
		return protocol.Update{}, rverrors.Wrap(rverrors.KindInvalidRequest, "validate metadata", err)
	}

	descriptors := make([]protocol.FileDescriptor, 0, len(files))
	ciphertexts := make([][]byte, 0, len(files))
	for _, plaintext := range files {
		rawID, err := crypto.Random(protocol.MessageIDSize)
		if err != nil {
			return protocol.Update{}, rverrors.Wrap(rverrors.KindUnknown, "generate file id", err)
		}
		var id [protocol.MessageIDSize]byte
		copy(id[:], rawID)

		sealed, err := crypto.SealGCM(st.MessageKey, plaintext, id[:])
		if err != nil {
			return protocol.Update{}, rverrors.Wrap(rverrors.KindInvalidFile, "seal file", err)
		}
		var tag [16]byte
		copy(tag[:], sealed.Tag)
		hash := crypto.SHA256(sealed.Ciphertext)

		descriptors = append(descriptors, protocol.FileDescriptor{ID: id, Tag: tag, Hash: hash})
		ciphertexts = append(ciphertexts, sealed.Ciphertext)
	}

	encMetadata, err := crypto.SealGCMCombined(st.MessageKey, metadata)
	if err != nil {
		return protocol.Update{}, rverrors.Wrap(rverrors.KindUnknown, "seal update metadata", err)
	}

	uu := protocol.UpdateUpload{TopicID: topicID, SenderIndex: senderIndex, Metadata: encMetadata, Files: descriptors}
	uu.Signature = st.SigningPriv.Sign(uu.SignedBytes())

	body, err := protocol.Marshal(uu)
	if err != nil {
		return protocol.Update{}, rverrors.Wrap(rverrors.KindSerializationFailed, "marshal update upload", err)
	}
	resp, err := d.client.Do(ctx, "POST", "topic/message", d.deviceHeaders(), body)
	if err != nil {
		return protocol.Update{}, err
	}
	var chainState protocol.ChainState
	if err := protocol.Unmarshal(resp, &chainState); err != nil {
		return protocol.Update{}, rverrors.Wrap(rverrors.KindSerializationFailed, "unmarshal chain state", err)
	}

	for i, ct := range ciphertexts {
		path := filePath(topicID, descriptors[i].ID)
		if _, err := d.client.Do(ctx, "PUT", path, d.deviceHeaders(), ct); err != nil {
			return protocol.Update{}, err
		}
	}

	return protocol.Update{
		ChainIndex:    chainState.ChainIndex,
		Output:        chainState.Output,
		Metadata:      metadata,
		Files:         descriptors,
		Signature:     uu.Signature,
		SenderUserKey: d.userPub,
		SenderIndex:   senderIndex,
		TopicID:       topicID,
	}, nil
}

// GetFile downloads a file's ciphertext and opens it against the topic's
// message key, checking the content hash first.
func (d *Device) GetFile(ctx context.Context, topicID [protocol.TopicIDSize]byte, descriptor protocol.FileDescriptor) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.topics[topicID]
	if !ok {
		return nil, rverrors.New(rverrors.KindUnknown, "unknown topic")
	}

	ciphertext, err := d.client.Do(ctx, "GET", filePath(topicID, descriptor.ID), d.deviceHeaders(), nil)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 {
		return nil, rverrors.New(rverrors.KindNoDataInResponse, "empty file body")
	}
	if crypto.SHA256(ciphertext) != descriptor.Hash {
		return nil, rverrors.New(rverrors.KindInvalidFile, "file ciphertext hash mismatch")
	}

	sealed := &crypto.GCMSealed{Nonce: descriptor.ID[:], Ciphertext: ciphertext, Tag: descriptor.Tag[:]}
	plaintext, err := crypto.OpenGCM(st.MessageKey, sealed)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindInvalidFile, "open file", err)
	}
	return plaintext, nil
}

// GetMessages downloads the device's pending DeviceDownload envelope and
// processes its sub-phases in a fixed order: user-info update, topic-key
// messages, topic add/update events, content updates, receipts.
func (d *Device) GetMessages(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp, err := d.client.Do(ctx, "GET", "device/messages", d.deviceHeaders(), nil)
	if err != nil {
		return err
	}
	var download protocol.DeviceDownload
	if err := protocol.Unmarshal(resp, &download); err != nil {
		return rverrors.Wrap(rverrors.KindSerializationFailed, "unmarshal device download", err)
	}

	if download.UserInfo != nil {
		if err := d.mergeUserInfoLocked(*download.UserInfo); err != nil {
			d.logger.Warn().Err(err).Msg("discarding user info update")
		}
	}
	for _, msg := range download.TopicKeyMessages {
		if err := d.ingestTopicKeyMessageLocked(msg); err != nil {
			d.logger.Warn().Err(err).Msg("discarding topic key message")
		}
	}
	for _, wire := range download.TopicUpdates {
		if err := d.ingestTopicLocked(wire); err != nil {
			d.logger.Warn().Err(err).Msg("discarding topic update")
		}
	}
	for _, upd := range download.Messages {
		if err := d.ingestUpdateLocked(upd); err != nil {
			d.logger.Warn().Err(err).Msg("discarding content update")
		}
	}
	for _, r := range download.Receipts {
		d.ingestReceiptLocked(r)
	}

	return nil
}

// ReceiveFromPush decodes one push-channel record and dispatches it through
// the same ingestion handlers as GetMessages.
func (d *Device) ReceiveFromPush(env *protocol.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch env.Type {
	case protocol.TypeUserInfo:
		var info protocol.UserInfo
		if err := env.DecodePayload(&info); err != nil {
			return rverrors.Wrap(rverrors.KindSerializationFailed, "decode pushed user info", err)
		}
		return d.mergeUserInfoLocked(info)
	case protocol.TypeTopicKeyMsg:
		var msg protocol.TopicKeyMessage
		if err := env.DecodePayload(&msg); err != nil {
			return rverrors.Wrap(rverrors.KindSerializationFailed, "decode pushed topic key message", err)
		}
		return d.ingestTopicKeyMessageLocked(msg)
	case protocol.TypeTopicUpdate:
		var wire protocol.Topic
		if err := env.DecodePayload(&wire); err != nil {
			return rverrors.Wrap(rverrors.KindSerializationFailed, "decode pushed topic", err)
		}
		return d.ingestTopicLocked(wire)
	case protocol.TypeUpdate:
		var upd protocol.Update
		if err := env.DecodePayload(&upd); err != nil {
			return rverrors.Wrap(rverrors.KindSerializationFailed, "decode pushed update", err)
		}
		return d.ingestUpdateLocked(upd)
	case protocol.TypeReceipt:
		var r protocol.Receipt
		if err := env.DecodePayload(&r); err != nil {
			return rverrors.Wrap(rverrors.KindSerializationFailed, "decode pushed receipt", err)
		}
		d.ingestReceiptLocked(r)
		return nil
	case protocol.TypePing, protocol.TypePong:
		return nil
	default:
		return rverrors.New(rverrors.KindInvalidServerData, "unrecognized push message type")
	}
}

// ingestTopicKeyMessageLocked consumes a delivered topic key, removing the
// matched prekey from the store so it is never reused.
func (d *Device) ingestTopicKeyMessageLocked(msg protocol.TopicKeyMessage) error {
	priv, ok := d.prekeys[msg.DevicePrekey]
	if !ok {
		return rverrors.New(rverrors.KindUnknown, "no matching prekey for topic key message")
	}
	tk, err := topickeys.Accept(msg, priv, d.userPub)
	if err != nil {
		return err
	}
	delete(d.prekeys, msg.DevicePrekey)
	d.topicKeyPool = append(d.topicKeyPool, tk)
	return nil
}

// ingestTopicLocked admits a new topic or applies a newer membership/role
// change to a known one. For a known topic the member list is replaced
// wholesale: the server is the single authority for membership, so the
// client simply adopts the newer copy once its signatures check out, rather
// than trying to diff and merge roles locally.
func (d *Device) ingestTopicLocked(wire protocol.Topic) error {
	if st, known := d.topics[wire.TopicID]; known {
		if wire.Timestamp <= st.Timestamp {
			return nil
		}
		if err := topickeys.VerifyTopic(wire); err != nil {
			return err
		}
		st.Members = append([]protocol.TopicMember(nil), wire.Members...)
		st.Timestamp = wire.Timestamp
		d.handler(Event{Kind: EventTopicUpdated, TopicID: wire.TopicID, Topic: wire})
		return nil
	}

	if err := topickeys.VerifyTopic(wire); err != nil {
		return err
	}

	var ourMember *protocol.TopicMember
	for i := range wire.Members {
		if wire.Members[i].UserKey == d.userPub {
			ourMember = &wire.Members[i]
			break
		}
	}
	if ourMember == nil {
		return rverrors.New(rverrors.KindUnknown, "not a member of received topic")
	}

	var matched *topickeys.TopicKeys
	for _, tk := range d.topicKeyPool {
		if tk.Bundle.SignatureKey == ourMember.SignatureKey {
			matched = tk
			break
		}
	}
	if matched == nil {
		return rverrors.New(rverrors.KindUnknown, "no topic key pool entry for received topic")
	}

	messageKey, err := matched.EncPriv.DecryptFrom(ourMember.EncryptedMessageKey)
	if err != nil {
		return rverrors.Wrap(rverrors.KindUnknown, "decrypt topic message key", err)
	}
	if len(messageKey) != crypto.MessageKeySize {
		return rverrors.New(rverrors.KindInvalidServerData, "topic message key has wrong length")
	}

	st := topic.New(wire, matched.SigningPriv, matched.EncPriv, messageKey, d.logger)
	d.topics[wire.TopicID] = st
	d.handler(Event{Kind: EventTopicAdded, TopicID: wire.TopicID, Topic: wire})
	return nil
}

// ingestUpdateLocked runs an incoming content update through its topic's
// chain state machine and emits the resulting events.
func (d *Device) ingestUpdateLocked(u protocol.Update) error {
	st, ok := d.topics[u.TopicID]
	if !ok {
		return rverrors.New(rverrors.KindUnknown, "update for unknown topic")
	}
	events, err := st.IngestUpdate(u.ChainIndex, u.Output, u.Metadata, u.Files, u.Signature, u.SenderIndex)
	if err != nil {
		return err
	}
	for _, ev := range events {
		d.emitDrainEvent(u.TopicID, ev)
	}
	return nil
}

func (d *Device) emitDrainEvent(topicID [protocol.TopicIDSize]byte, ev topic.DrainEvent) {
	kind := EventUpdateReceived
	switch {
	case ev.Invalid:
		kind = EventInvalidChain
	case ev.Late:
		kind = EventUpdateVerifiedLate
	}
	d.handler(Event{
		Kind:       kind,
		TopicID:    topicID,
		Update:     ev.Update,
		Verified:   ev.Verified,
		ChainIndex: ev.ChainIndex,
		Sender:     ev.Update.SenderUserKey,
	})
}

// ingestReceiptLocked emits a chain-state event for a receipt, silently
// dropping one whose sender is not a well-formed signing public key: a
// zero-value key can never arise from a real device, so it is
// the only cheap local signal of a malformed sender worth checking.
func (d *Device) ingestReceiptLocked(r protocol.Receipt) {
	if r.Sender == (keys.SigningPublicKey{}) {
		return
	}
	d.handler(Event{
		Kind:       EventChainStateReceived,
		TopicID:    r.TopicID,
		ChainIndex: r.ChainIndex,
		Sender:     r.Sender,
	})
}
