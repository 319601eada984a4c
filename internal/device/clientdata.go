package device

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/internal/topic"
	"github.com/rendezvous-labs/rendezvous/internal/topickeys"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// ClientData is the single persisted blob a Device serializes to and
// restores from. It is a plain DTO: every key type is stored as raw bytes
// since pkg/keys wrappers deliberately expose no msgpack tags of their own.
type ClientData struct {
	ServerURL string `msgpack:"server_url"`
	AppID     string `msgpack:"app_id"`

	UserPriv   []byte `msgpack:"user_priv"`
	DevicePriv []byte `msgpack:"device_priv"`
	UserPub    []byte `msgpack:"user_pub"`

	UserInfo  protocol.UserInfo            `msgpack:"user_info"`
	AuthToken [protocol.AuthTokenSize]byte `msgpack:"auth_token"`

	Prekeys   []persistedPrekey   `msgpack:"prekeys"`
	TopicKeys []persistedTopicKey `msgpack:"topic_keys"`
	Topics    []persistedTopic    `msgpack:"topics"`
}

type persistedPrekey struct {
	Pub  []byte `msgpack:"pub"`
	Priv []byte `msgpack:"priv"`
}

type persistedTopicKey struct {
	SigningPriv []byte                        `msgpack:"signing_priv"`
	EncPriv     []byte                        `msgpack:"enc_priv"`
	Bundle      protocol.TopicKeyPublicBundle `msgpack:"bundle"`
}

type persistedTopic struct {
	TopicID        [protocol.TopicIDSize]byte `msgpack:"topic_id"`
	CreationTime   int64                      `msgpack:"creation_time"`
	Timestamp      int64                      `msgpack:"timestamp"`
	Members        []protocol.TopicMember     `msgpack:"members"`
	MessageKey     []byte                     `msgpack:"message_key"`
	SigningPriv    []byte                     `msgpack:"signing_priv"`
	EncPriv        []byte                     `msgpack:"enc_priv"`
	ChainIndex     uint32                     `msgpack:"chain_index"`
	VerifiedOutput []byte                     `msgpack:"verified_output"`
	Pending        []topic.PendingUpdate      `msgpack:"pending"`
}

// Serialize captures the Device's full observable state into a ClientData
// blob, such that restoring the blob reproduces an equivalent Device.
func (d *Device) Serialize() (ClientData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := ClientData{
		ServerURL:  d.serverURL,
		AppID:      d.appID,
		UserPriv:   d.userPriv.Bytes(),
		DevicePriv: d.devicePriv.Bytes(),
		UserPub:    d.userPub.Bytes(),
		UserInfo:   d.userInfo,
		AuthToken:  d.authToken,
	}

	for pub, priv := range d.prekeys {
		data.Prekeys = append(data.Prekeys, persistedPrekey{Pub: pub.Bytes(), Priv: priv.Bytes()})
	}
	for _, tk := range d.topicKeyPool {
		data.TopicKeys = append(data.TopicKeys, persistedTopicKey{
			SigningPriv: tk.SigningPriv.Bytes(),
			EncPriv:     tk.EncPriv.Bytes(),
			Bundle:      tk.Bundle,
		})
	}
	for _, t := range d.topics {
		data.Topics = append(data.Topics, persistedTopic{
			TopicID:        t.TopicID,
			CreationTime:   t.CreationTime,
			Timestamp:      t.Timestamp,
			Members:        t.Members,
			MessageKey:     t.MessageKey,
			SigningPriv:    t.SigningPriv.Bytes(),
			EncPriv:        t.EncPriv.Bytes(),
			ChainIndex:     t.ChainIndex,
			VerifiedOutput: t.VerifiedOutput,
			Pending:        t.Snapshot(),
		})
	}

	return data, nil
}

// Marshal encodes a ClientData blob to its wire/disk form.
func (c ClientData) Marshal() ([]byte, error) {
	b, err := msgpack.Marshal(c)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindSerializationFailed, "marshal client data", err)
	}
	return b, nil
}

// UnmarshalClientData decodes a persisted blob.
func UnmarshalClientData(b []byte) (ClientData, error) {
	var c ClientData
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return ClientData{}, rverrors.Wrap(rverrors.KindSerializationFailed, "unmarshal client data", err)
	}
	return c, nil
}

// restore rebuilds live in-memory state from a persisted blob; used by
// NewFromClientData.
func restore(data ClientData, deps Deps) (*Device, error) {
	userPriv := keys.SigningPrivateKeyFromBytes(data.UserPriv)
	devicePriv := keys.SigningPrivateKeyFromBytes(data.DevicePriv)
	userPub, ok := keys.SigningPublicKeyFromBytes(data.UserPub)
	if !ok {
		return nil, rverrors.New(rverrors.KindSerializationFailed, "client data has malformed user public key")
	}

	d := newDevice(data.ServerURL, data.AppID, userPriv, devicePriv, userPub, deps)
	d.userInfo = data.UserInfo
	d.authToken = data.AuthToken

	for _, p := range data.Prekeys {
		pub, ok := keys.AgreementPublicKeyFromBytes(p.Pub)
		if !ok {
			return nil, rverrors.New(rverrors.KindSerializationFailed, "client data has malformed prekey")
		}
		priv, ok := keys.AgreementPrivateKeyFromBytes(p.Priv)
		if !ok {
			return nil, rverrors.New(rverrors.KindSerializationFailed, "client data has malformed prekey")
		}
		d.prekeys[pub] = priv
	}

	for _, tk := range data.TopicKeys {
		encPriv, ok := keys.AgreementPrivateKeyFromBytes(tk.EncPriv)
		if !ok {
			return nil, rverrors.New(rverrors.KindSerializationFailed, "client data has malformed topic encryption key")
		}
		d.topicKeyPool = append(d.topicKeyPool, &topickeys.TopicKeys{
			SigningPriv: keys.SigningPrivateKeyFromBytes(tk.SigningPriv),
			EncPriv:     encPriv,
			Bundle:      tk.Bundle,
		})
	}

	for _, pt := range data.Topics {
		encPriv, ok := keys.AgreementPrivateKeyFromBytes(pt.EncPriv)
		if !ok {
			return nil, rverrors.New(rverrors.KindSerializationFailed, "client data has malformed topic encryption key")
		}
		wire := protocol.Topic{TopicID: pt.TopicID, CreationTime: pt.CreationTime, Timestamp: pt.Timestamp, Members: pt.Members}
		st := topic.New(wire, keys.SigningPrivateKeyFromBytes(pt.SigningPriv), encPriv, pt.MessageKey, deps.Logger)
		st.ChainIndex = pt.ChainIndex
		st.VerifiedOutput = pt.VerifiedOutput
		st.Restore(pt.Pending)
		d.topics[pt.TopicID] = st
	}

	return d, nil
}
