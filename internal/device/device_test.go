package device

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/internal/topic"
	"github.com/rendezvous-labs/rendezvous/internal/topickeys"
	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// fakeClient is a scriptable transport.Client: each path is wired to a
// handler closure so tests can drive a Device without a real server. The
// optional fallback catches dynamic paths (the files/{topic}/{file} routes).
type fakeClient struct {
	routes   map[string]func(method string, headers map[string]string, body []byte) ([]byte, error)
	fallback func(method, path string, headers map[string]string, body []byte) ([]byte, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{routes: make(map[string]func(string, map[string]string, []byte) ([]byte, error))}
}

func (c *fakeClient) Do(_ context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error) {
	route, ok := c.routes[path]
	if !ok {
		if c.fallback != nil {
			return c.fallback(method, path, headers, body)
		}
		return nil, assertUnreachable(path)
	}
	return route(method, headers, body)
}

func assertUnreachable(path string) error {
	panic("fakeClient: no route wired for " + path)
}

// eventRecorder collects emitted events; tests read rec.events after the
// fact. A pointer receiver keeps the recorded slice visible to the caller
// across handler appends.
type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) handle(e Event) { r.events = append(r.events, e) }

func newTestDevice(t *testing.T, client *fakeClient) (*Device, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	deps := Deps{
		Client:  client,
		Logger:  zerolog.Nop(),
		Handler: rec.handle,
	}
	d, err := New("https://rendezvous.test", "testapp", deps)
	require.NoError(t, err)
	return d, rec
}

func TestRegisterStoresAuthTokenAndKeyMaterial(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	var gotBundle protocol.RegistrationBundle
	client.routes["user/register"] = func(method string, headers map[string]string, body []byte) ([]byte, error) {
		assert.Equal(t, "POST", method)
		require.NoError(t, protocol.Unmarshal(body, &gotBundle))
		token := make([]byte, protocol.AuthTokenSize)
		for i := range token {
			token[i] = byte(i + 1)
		}
		return token, nil
	}

	err := d.Register(context.Background(), 12345, 3, 2)
	require.NoError(t, err)

	assert.Len(t, gotBundle.Prekeys, 3)
	assert.Len(t, gotBundle.TopicKeys, 2)
	assert.Equal(t, uint32(12345), gotBundle.Pin)

	d.mu.Lock()
	assert.Len(t, d.prekeys, 3)
	assert.Len(t, d.topicKeyPool, 2)
	assert.Equal(t, byte(1), d.authToken[0])
	d.mu.Unlock()
}

func TestMergeUserInfoAddsAndChangesDevices(t *testing.T) {
	client := newFakeClient()
	d, rec := newTestDevice(t, client)

	existingDevicePub := d.userInfo.Devices[0].DevicePublicKey
	_, newDevicePub, err := keys.NewSigningKeyPair()
	require.NoError(t, err)

	next := d.userInfo
	next.Timestamp++
	next.Devices = []protocol.Device{
		{DevicePublicKey: existingDevicePub, CreationTime: d.userInfo.Devices[0].CreationTime, IsActive: false, AppID: "testapp"},
		{DevicePublicKey: newDevicePub, CreationTime: d.userInfo.Devices[0].CreationTime + 1, IsActive: true, AppID: "otherapp"},
	}
	next.Signature = d.userPriv.Sign(next.SignedBytes())

	require.NoError(t, d.mergeUserInfoLocked(next))

	var addedSeen, changedSeen bool
	for _, ev := range rec.events {
		if ev.Kind == EventUserDeviceAdded && ev.Device == newDevicePub {
			addedSeen = true
		}
		if ev.Kind == EventUserDeviceChanged && ev.Device == existingDevicePub {
			changedSeen = true
		}
	}
	assert.True(t, addedSeen, "expected user_device_added for new device")
	assert.True(t, changedSeen, "expected user_device_changed for mutated device")
	assert.Equal(t, next.Timestamp, d.userInfo.Timestamp)
}

func TestMergeUserInfoRejectsStaleTimestamp(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	stale := d.userInfo
	err := d.mergeUserInfoLocked(stale)
	require.Error(t, err)
}

func TestMergeUserInfoRejectsChangedIdentity(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	tampered := d.userInfo
	tampered.Timestamp++
	tampered.Name = "new-name"
	tampered.Signature = d.userPriv.Sign(tampered.SignedBytes())

	err := d.mergeUserInfoLocked(tampered)
	require.Error(t, err)
}

func TestIngestTopicKeyMessageConsumesPrekey(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	prekeyPriv, prekeyPub, err := keys.NewAgreementKeyPair()
	require.NoError(t, err)
	d.prekeys[prekeyPub] = prekeyPriv

	senderTK, err := topickeys.New(d.userPriv) // simulating a sibling device of the same user
	require.NoError(t, err)
	msg, err := senderTK.WrapFor(prekeyPub)
	require.NoError(t, err)

	require.NoError(t, d.ingestTopicKeyMessageLocked(msg))

	_, stillPresent := d.prekeys[prekeyPub]
	assert.False(t, stillPresent, "consumed prekey should be removed")
	require.Len(t, d.topicKeyPool, 1)
	assert.Equal(t, senderTK.Bundle, d.topicKeyPool[0].Bundle)
}

func TestIngestReceiptDropsZeroSender(t *testing.T) {
	client := newFakeClient()
	d, rec := newTestDevice(t, client)

	d.ingestReceiptLocked(protocol.Receipt{})
	assert.Empty(t, rec.events)

	validSender := d.userPub
	d.ingestReceiptLocked(protocol.Receipt{Sender: validSender, ChainIndex: 3})
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventChainStateReceived, rec.events[0].Kind)
	assert.Equal(t, uint32(3), rec.events[0].ChainIndex)
}

// fakeServer models just enough of the server endpoint surface to carry a
// create-topic and send/receive round trip between two independently
// constructed devices belonging to different users.
type fakeServer struct {
	t *testing.T

	devicesByUser map[keys.SigningPublicKey][]protocol.Device
	topicKeys     map[keys.SigningPublicKey]protocol.TopicKeyPublicBundle
	topics        map[[protocol.TopicIDSize]byte]protocol.Topic
	inbox         map[keys.SigningPublicKey][]protocol.Update
	chainIndex    map[[protocol.TopicIDSize]byte]uint32
	chainOutput   map[[protocol.TopicIDSize]byte][]byte
	files         map[string][]byte // keyed by the files/{topic}/{file} path
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:             t,
		devicesByUser: make(map[keys.SigningPublicKey][]protocol.Device),
		topicKeys:     make(map[keys.SigningPublicKey]protocol.TopicKeyPublicBundle),
		topics:        make(map[[protocol.TopicIDSize]byte]protocol.Topic),
		inbox:         make(map[keys.SigningPublicKey][]protocol.Update),
		chainIndex:    make(map[[protocol.TopicIDSize]byte]uint32),
		chainOutput:   make(map[[protocol.TopicIDSize]byte][]byte),
		files:         make(map[string][]byte),
	}
}

func (s *fakeServer) clientFor(userPub keys.SigningPublicKey) *fakeClient {
	c := newFakeClient()
	c.routes["user/register"] = func(_ string, _ map[string]string, body []byte) ([]byte, error) {
		var bundle protocol.RegistrationBundle
		require.NoError(s.t, protocol.Unmarshal(body, &bundle))
		for _, tk := range bundle.TopicKeys {
			s.topicKeys[tk.UserKey] = tk
		}
		return make([]byte, protocol.AuthTokenSize), nil
	}
	c.routes["users/topickey"] = func(_ string, _ map[string]string, body []byte) ([]byte, error) {
		var req protocol.TopicKeyRequest
		require.NoError(s.t, protocol.Unmarshal(body, &req))
		resp := protocol.TopicKeyResponse{}
		for _, u := range req.Users {
			if bundle, ok := s.topicKeys[u]; ok {
				resp.Keys = append(resp.Keys, bundle)
			}
		}
		return protocol.Marshal(resp)
	}
	c.routes["topic/create"] = func(_ string, _ map[string]string, body []byte) ([]byte, error) {
		var wire protocol.Topic
		require.NoError(s.t, protocol.Unmarshal(body, &wire))
		s.topics[wire.TopicID] = wire
		s.chainOutput[wire.TopicID] = append([]byte(nil), wire.TopicID[:]...)
		return nil, nil
	}
	c.routes["topic/message"] = func(_ string, _ map[string]string, body []byte) ([]byte, error) {
		var uu protocol.UpdateUpload
		require.NoError(s.t, protocol.Unmarshal(body, &uu))
		next := s.chainIndex[uu.TopicID] + 1
		prev := s.chainOutput[uu.TopicID]
		fold := crypto.SHA256(append(append([]byte(nil), prev...), uu.Signature[:]...))
		s.chainIndex[uu.TopicID] = next
		s.chainOutput[uu.TopicID] = append([]byte(nil), fold[:]...)

		wire := s.topics[uu.TopicID]
		upd := protocol.Update{
			ChainIndex:    next,
			Output:        fold,
			Metadata:      uu.Metadata,
			Files:         uu.Files,
			Signature:     uu.Signature,
			SenderUserKey: wire.Members[uu.SenderIndex].UserKey,
			SenderIndex:   uu.SenderIndex,
			TopicID:       uu.TopicID,
		}
		for _, m := range wire.Members {
			if m.UserKey != upd.SenderUserKey {
				s.inbox[m.UserKey] = append(s.inbox[m.UserKey], upd)
			}
		}

		return protocol.Marshal(protocol.ChainState{ChainIndex: next, Output: fold})
	}
	c.routes["device/messages"] = func(_ string, _ map[string]string, _ []byte) ([]byte, error) {
		download := protocol.DeviceDownload{Messages: s.inbox[userPub]}
		s.inbox[userPub] = nil
		return protocol.Marshal(download)
	}
	c.fallback = func(method, path string, _ map[string]string, body []byte) ([]byte, error) {
		if !strings.HasPrefix(path, "files/") {
			return nil, assertUnreachable(path)
		}
		if method == "PUT" {
			s.files[path] = append([]byte(nil), body...)
			return nil, nil
		}
		return s.files[path], nil
	}
	return c
}

func TestCreateTopicSendReceiveRoundTrip(t *testing.T) {
	server := newFakeServer(t)

	alice, aliceRec := newTestDevice(t, server.clientFor(keys.SigningPublicKey{}))
	// Re-wire alice's client now that her user key is known, then register.
	aliceClient := server.clientFor(alice.userPub)
	alice.client = aliceClient
	require.NoError(t, alice.Register(context.Background(), 1, 0, 1))

	bob, bobRec := newTestDevice(t, server.clientFor(keys.SigningPublicKey{}))
	bobClient := server.clientFor(bob.userPub)
	bob.client = bobClient
	require.NoError(t, bob.Register(context.Background(), 2, 0, 1))

	wire, err := alice.CreateTopic(context.Background(), map[keys.SigningPublicKey]protocol.Role{
		bob.userPub: protocol.RoleParticipant,
	})
	require.NoError(t, err)
	assert.Len(t, wire.Members, 2)

	_, err = alice.Upload(context.Background(), wire.TopicID, []byte("hello bob"), nil)
	require.NoError(t, err)

	// Bob has not yet admitted the topic locally; delivering the topic
	// record first mirrors the ordering GetMessages enforces.
	require.NoError(t, bob.ingestTopicLocked(wire))
	require.NoError(t, bob.GetMessages(context.Background()))

	require.Len(t, bobRec.events, 2) // topic_added, then update_received
	assert.Equal(t, EventTopicAdded, bobRec.events[0].Kind)
	assert.Equal(t, EventUpdateReceived, bobRec.events[1].Kind)
	assert.True(t, bobRec.events[1].Verified)
	assert.Equal(t, []byte("hello bob"), bobRec.events[1].Update.Metadata)

	require.Len(t, aliceRec.events, 1) // topic_added from her own create_topic; upload fires no events
	assert.Equal(t, EventTopicAdded, aliceRec.events[0].Kind)
}

func TestFileRoundTripAndTamperDetection(t *testing.T) {
	server := newFakeServer(t)

	alice, _ := newTestDevice(t, server.clientFor(keys.SigningPublicKey{}))
	alice.client = server.clientFor(alice.userPub)
	require.NoError(t, alice.Register(context.Background(), 1, 0, 1))

	bob, _ := newTestDevice(t, server.clientFor(keys.SigningPublicKey{}))
	bob.client = server.clientFor(bob.userPub)
	require.NoError(t, bob.Register(context.Background(), 2, 0, 1))

	wire, err := alice.CreateTopic(context.Background(), map[keys.SigningPublicKey]protocol.Role{
		bob.userPub: protocol.RoleParticipant,
	})
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte{0x2A}, 250)
	sent, err := alice.Upload(context.Background(), wire.TopicID, []byte("with file"), [][]byte{plaintext})
	require.NoError(t, err)
	require.Len(t, sent.Files, 1)

	require.NoError(t, bob.ingestTopicLocked(wire))
	require.NoError(t, bob.GetMessages(context.Background()))

	got, err := bob.GetFile(context.Background(), wire.TopicID, sent.Files[0])
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Flipping any ciphertext byte must fail the hash check before GCM even
	// runs.
	path := filePath(wire.TopicID, sent.Files[0].ID)
	server.files[path][17] ^= 0xFF

	_, err = bob.GetFile(context.Background(), wire.TopicID, sent.Files[0])
	require.Error(t, err)
	var rvErr *rverrors.Error
	require.ErrorAs(t, err, &rvErr)
	assert.Equal(t, rverrors.KindInvalidFile, rvErr.Kind())
}

func TestUploadRejectsObserver(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	tk, err := topickeys.New(d.userPriv)
	require.NoError(t, err)
	messageKey, err := crypto.Random(crypto.MessageKeySize)
	require.NoError(t, err)
	member, err := topickeys.NewMemberInfo(tk.Bundle, protocol.RoleObserver, messageKey)
	require.NoError(t, err)

	wire := protocol.Topic{Members: []protocol.TopicMember{member}}
	wire.Signature = tk.SigningPriv.Sign(wire.SignedBytes())

	st := topic.New(wire, tk.SigningPriv, tk.EncPriv, messageKey, zerolog.Nop())
	// Replace the member's user key with our own so MemberIndex resolves.
	st.Members[0].UserKey = d.userPub
	d.topics[wire.TopicID] = st

	_, err = d.Upload(context.Background(), wire.TopicID, []byte("nope"), nil)
	require.Error(t, err)
	var rvErr *rverrors.Error
	require.ErrorAs(t, err, &rvErr)
	assert.Equal(t, rverrors.KindNoPermissionToWrite, rvErr.Kind())
}

func TestUploadRejectsOversizedMetadata(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	tk, err := topickeys.New(d.userPriv)
	require.NoError(t, err)
	messageKey, err := crypto.Random(crypto.MessageKeySize)
	require.NoError(t, err)
	member, err := topickeys.NewMemberInfo(tk.Bundle, protocol.RoleAdmin, messageKey)
	require.NoError(t, err)

	wire := protocol.Topic{Members: []protocol.TopicMember{member}}
	wire.Signature = tk.SigningPriv.Sign(wire.SignedBytes())

	st := topic.New(wire, tk.SigningPriv, tk.EncPriv, messageKey, zerolog.Nop())
	st.Members[0].UserKey = d.userPub
	d.topics[wire.TopicID] = st

	oversized := make([]byte, 101)
	_, err = d.Upload(context.Background(), wire.TopicID, oversized, nil)
	require.Error(t, err)
	var rvErr *rverrors.Error
	require.ErrorAs(t, err, &rvErr)
	assert.Equal(t, rverrors.KindInvalidRequest, rvErr.Kind())
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	client := newFakeClient()
	d, _ := newTestDevice(t, client)

	_, privs, err := d.mintPrekeysLocked(3)
	require.NoError(t, err)
	for pub, priv := range privs {
		d.prekeys[pub] = priv
	}

	tk, err := topickeys.New(d.userPriv)
	require.NoError(t, err)
	d.topicKeyPool = append(d.topicKeyPool, tk)

	messageKey, err := crypto.Random(crypto.MessageKeySize)
	require.NoError(t, err)
	member, err := topickeys.NewMemberInfo(tk.Bundle, protocol.RoleAdmin, messageKey)
	require.NoError(t, err)
	wire := protocol.Topic{Members: []protocol.TopicMember{member}}
	wire.Signature = tk.SigningPriv.Sign(wire.SignedBytes())
	st := topic.New(wire, tk.SigningPriv, tk.EncPriv, messageKey, zerolog.Nop())
	st.Members[0].UserKey = d.userPub
	d.topics[wire.TopicID] = st

	data, err := d.Serialize()
	require.NoError(t, err)
	blob, err := data.Marshal()
	require.NoError(t, err)

	restoredData, err := UnmarshalClientData(blob)
	require.NoError(t, err)
	restored, err := NewFromClientData(restoredData, Deps{Client: client, Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Equal(t, d.userPub, restored.UserPublicKey())
	assert.Equal(t, d.devicePriv.Public(), restored.DevicePublicKey())
	assert.Equal(t, len(d.prekeys), len(restored.prekeys))
	assert.Len(t, restored.topicKeyPool, 1)
	assert.Equal(t, tk.Bundle.SignatureKey, restored.topicKeyPool[0].Bundle.SignatureKey)
	restoredTopic, ok := restored.topics[wire.TopicID]
	require.True(t, ok)
	assert.Equal(t, st.ChainIndex, restoredTopic.ChainIndex)
	assert.Equal(t, st.MessageKey, restoredTopic.MessageKey)
}
