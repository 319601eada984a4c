package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/internal/security"
	"github.com/rendezvous-labs/rendezvous/internal/store/postgres"
	rdstore "github.com/rendezvous-labs/rendezvous/internal/store/redis"
	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

var validator = security.NewValidator()

// chainHash computes H_i = SHA-256(H_{i-1} || signature_i), the fold every
// client re-verifies on receive. It lives here rather than in
// internal/store/postgres so that package stays free of crypto imports;
// AppendUpdate takes it as a callback.
func chainHash(prevOutput []byte, signature [64]byte) [32]byte {
	buf := make([]byte, 0, len(prevOutput)+64)
	buf = append(buf, prevOutput...)
	buf = append(buf, signature[:]...)
	return crypto.SHA256(buf)
}

func (s *Server) handleUserAllow(w http.ResponseWriter, r *http.Request) {
	username := r.Header.Get("username")
	if err := validator.ValidateDisplayName(username); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInvalidRequest, "validate username", err))
		return
	}
	allowed, err := s.pins.Issue(r.Context(), username)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "issue pin", err))
		return
	}
	writeMsgpack(w, http.StatusOK, allowed)
}

func (s *Server) handleUserRegister(w http.ResponseWriter, r *http.Request) {
	var bundle protocol.RegistrationBundle
	if err := readBody(r, &bundle); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if len(bundle.UserInfo.Devices) != 1 {
		writeEmpty(w, http.StatusBadRequest)
		return
	}
	if err := validator.ValidateDisplayName(bundle.UserInfo.Name); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInvalidRequest, "validate user name", err))
		return
	}
	if err := validator.ValidateAppID(bundle.UserInfo.Devices[0].AppID); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInvalidRequest, "validate app id", err))
		return
	}

	ctx := r.Context()
	ip := clientIP(r)
	if allowed, retryAfter, err := s.bruteForce.IsAllowed(ip); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindAuthenticationFailed, "registration attempts locked out", err))
		return
	}

	if err := s.pins.Verify(ctx, bundle.UserInfo.Name, bundle.Pin); err != nil {
		s.bruteForce.RecordFailure(ip)
		switch {
		case errors.Is(err, rdstore.ErrPinNotFound), errors.Is(err, rdstore.ErrPinMismatch), errors.Is(err, rdstore.ErrPinRetriesExhausted):
			writeErr(w, s.logger, rverrors.Wrap(rverrors.KindAuthenticationFailed, "verify pin", err))
		default:
			writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "verify pin", err))
		}
		return
	}
	s.bruteForce.RecordSuccess(ip)

	info := bundle.UserInfo
	if err := s.repo.UpsertUser(ctx, info); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "upsert user", err))
		return
	}
	for _, d := range info.Devices {
		if err := s.repo.InsertDevice(ctx, info.UserPublicKey, d.DevicePublicKey, d.CreationTime, d.AppID); err != nil {
			writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert device", err))
			return
		}
	}

	var token [protocol.AuthTokenSize]byte
	raw, err := randomToken(protocol.AuthTokenSize)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "generate auth token", err))
		return
	}
	copy(token[:], raw)
	if err := s.repo.SetAuthToken(ctx, info.UserPublicKey, token); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "set auth token", err))
		return
	}

	deviceKey := info.Devices[0].DevicePublicKey
	if err := s.repo.InsertPrekeys(ctx, deviceKey, bundle.Prekeys); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert prekeys", err))
		return
	}
	if err := s.repo.InsertTopicKeyBundles(ctx, info.UserPublicKey, bundle.TopicKeys); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert topic keys", err))
		return
	}

	writeRaw(w, http.StatusOK, token[:])
}

func (s *Server) handleAdminRenew(w http.ResponseWriter, r *http.Request) {
	token, err := randomToken(protocol.AuthTokenSize)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "generate admin token", err))
		return
	}
	if err := s.repo.IssueAdminToken(r.Context(), token); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "issue admin token", err))
		return
	}
	writeRaw(w, http.StatusOK, token)
}

func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.ResetAll(r.Context()); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "reset server", err))
		return
	}
	writeEmpty(w, http.StatusOK)
}

func (s *Server) handleDevicePrekeys(w http.ResponseWriter, r *http.Request) {
	deviceKey, _ := DeviceFromContext(r.Context())

	var req protocol.PrekeyUploadRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if err := s.repo.InsertPrekeys(r.Context(), deviceKey, req.Prekeys); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert prekeys", err))
		return
	}
	writeEmpty(w, http.StatusOK)
}

func (s *Server) handleUserPrekeys(w http.ResponseWriter, r *http.Request) {
	userKey, _ := UserFromContext(r.Context())

	count, err := strconv.Atoi(r.Header.Get("count"))
	if err != nil || count <= 0 {
		writeEmpty(w, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	info, err := s.repo.GetUserInfo(ctx, userKey)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "load user info", err))
		return
	}

	deviceKeys := make([]keys.SigningPublicKey, 0, len(info.Devices))
	for _, d := range info.Devices {
		deviceKeys = append(deviceKeys, d.DevicePublicKey)
	}

	perDevice, err := s.repo.ConsumePrekeys(ctx, deviceKeys, count)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "consume prekeys", err))
		return
	}

	writeMsgpack(w, http.StatusOK, protocol.DevicePrekeyBundle{KeyCount: count, PerDevice: perDevice})
}

func (s *Server) handleUserTopicKeys(w http.ResponseWriter, r *http.Request) {
	userKey, _ := UserFromContext(r.Context())

	var req protocol.TopicKeyBundle
	if err := readBody(r, &req); err != nil {
		writeErr(w, s.logger, err)
		return
	}

	ctx := r.Context()
	if err := s.repo.InsertTopicKeyBundles(ctx, userKey, req.TopicKeys); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert topic keys", err))
		return
	}

	for _, pd := range req.Messages {
		if err := s.repo.InsertTopicKeyMessages(ctx, pd.DeviceKey, pd.Messages); err != nil {
			writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert topic key messages", err))
			return
		}
		for _, msg := range pd.Messages {
			payload, err := protocol.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.repo.QueueDelivery(ctx, pd.DeviceKey, protocol.TypeTopicKeyMsg, payload); err != nil {
				writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "queue topic key delivery", err))
				return
			}
			if s.hub != nil {
				_ = s.hub.Send(pd.DeviceKey, protocol.TypeTopicKeyMsg, msg)
			}
		}
	}

	writeEmpty(w, http.StatusOK)
}

func (s *Server) handleUserTopicKey(w http.ResponseWriter, r *http.Request) {
	receiverRaw, err := base64.URLEncoding.DecodeString(r.Header.Get("receiver"))
	if err != nil {
		writeEmpty(w, http.StatusBadRequest)
		return
	}
	receiver, ok := keys.SigningPublicKeyFromBytes(receiverRaw)
	if !ok {
		writeEmpty(w, http.StatusBadRequest)
		return
	}

	bundle, found, err := s.repo.ConsumeTopicKey(r.Context(), receiver)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "consume topic key", err))
		return
	}
	if !found {
		writeEmpty(w, http.StatusNotFound)
		return
	}
	writeMsgpack(w, http.StatusOK, bundle)
}

func (s *Server) handleUsersTopicKey(w http.ResponseWriter, r *http.Request) {
	var req protocol.TopicKeyRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, s.logger, err)
		return
	}

	ctx := r.Context()
	resp := protocol.TopicKeyResponse{}
	for _, u := range req.Users {
		bundle, found, err := s.repo.ConsumeTopicKey(ctx, u)
		if err != nil {
			writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "consume topic key", err))
			return
		}
		if found {
			resp.Keys = append(resp.Keys, bundle)
		}
	}
	writeMsgpack(w, http.StatusOK, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	userKey, _ := UserFromContext(r.Context())
	info, err := s.repo.GetUserInfo(r.Context(), userKey)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeEmpty(w, http.StatusNotFound)
			return
		}
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "load user info", err))
		return
	}
	writeMsgpack(w, http.StatusOK, info)
}

func (s *Server) handleTopicCreate(w http.ResponseWriter, r *http.Request) {
	senderDeviceKey, _ := DeviceFromContext(r.Context())

	var wire protocol.Topic
	if err := readBody(r, &wire); err != nil {
		writeErr(w, s.logger, err)
		return
	}

	ctx := r.Context()
	if err := s.repo.InsertTopic(ctx, wire); err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "insert topic", err))
		return
	}

	s.notifyMembers(ctx, wire.Members, senderDeviceKey, protocol.TypeTopicUpdate, wire)
	writeEmpty(w, http.StatusOK)
}

func (s *Server) handleTopicMessage(w http.ResponseWriter, r *http.Request) {
	senderDeviceKey, _ := DeviceFromContext(r.Context())
	senderUserKey, _ := UserFromContext(r.Context())

	var uu protocol.UpdateUpload
	if err := readBody(r, &uu); err != nil {
		writeErr(w, s.logger, err)
		return
	}

	ctx := r.Context()
	state, err := s.repo.AppendUpdate(ctx, uu, senderUserKey, chainHash)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeEmpty(w, http.StatusBadRequest)
			return
		}
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "append update", err))
		return
	}

	for _, f := range uu.Files {
		if err := s.repo.PutFile(ctx, uu.TopicID, f.ID, f.Tag, f.Hash, nil); err != nil {
			writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "register file", err))
			return
		}
	}

	upd := protocol.Update{
		ChainIndex:    state.ChainIndex,
		Output:        state.Output,
		Metadata:      uu.Metadata,
		Files:         uu.Files,
		Signature:     uu.Signature,
		SenderUserKey: senderUserKey,
		SenderIndex:   uu.SenderIndex,
		TopicID:       uu.TopicID,
	}

	topic, err := s.repo.GetTopic(ctx, uu.TopicID)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "load topic members", err))
		return
	}
	s.notifyMembers(ctx, topic.Members, senderDeviceKey, protocol.TypeUpdate, upd)

	writeMsgpack(w, http.StatusOK, state)
}

// notifyMembers queues a delivery (and attempts a push) for every device of
// every member except the sender's own device.
func (s *Server) notifyMembers(ctx context.Context, members []protocol.TopicMember, senderDeviceKey keys.SigningPublicKey, kind protocol.MessageType, v interface{}) {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return
	}
	for _, m := range members {
		info, err := s.repo.GetUserInfo(ctx, m.UserKey)
		if err != nil {
			s.logger.Warn().Err(err).Msg("notify member: load user info")
			continue
		}
		for _, d := range info.Devices {
			if d.DevicePublicKey == senderDeviceKey {
				continue
			}
			if err := s.repo.QueueDelivery(ctx, d.DevicePublicKey, kind, payload); err != nil {
				s.logger.Warn().Err(err).Msg("notify member: queue delivery")
				continue
			}
			if s.hub != nil {
				_ = s.hub.Send(d.DevicePublicKey, kind, v)
			}
		}
	}
}

func (s *Server) handleDeviceMessages(w http.ResponseWriter, r *http.Request) {
	deviceKey, _ := DeviceFromContext(r.Context())
	userKey, _ := UserFromContext(r.Context())

	ctx := r.Context()
	info, err := s.repo.GetUserInfo(ctx, userKey)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "load user info", err))
		return
	}

	drained, err := s.repo.DrainDeliveries(ctx, deviceKey)
	if err != nil {
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "drain deliveries", err))
		return
	}

	download := protocol.DeviceDownload{UserInfo: &info}

	for _, payload := range drained[protocol.TypeTopicKeyMsg] {
		var m protocol.TopicKeyMessage
		if err := protocol.Unmarshal(payload, &m); err != nil {
			continue
		}
		download.TopicKeyMessages = append(download.TopicKeyMessages, m)
	}
	for _, payload := range drained[protocol.TypeTopicUpdate] {
		var t protocol.Topic
		if err := protocol.Unmarshal(payload, &t); err != nil {
			continue
		}
		download.TopicUpdates = append(download.TopicUpdates, t)
	}
	for _, payload := range drained[protocol.TypeUpdate] {
		var u protocol.Update
		if err := protocol.Unmarshal(payload, &u); err != nil {
			continue
		}
		download.Messages = append(download.Messages, u)
	}
	for _, payload := range drained[protocol.TypeReceipt] {
		var rc protocol.Receipt
		if err := protocol.Unmarshal(payload, &rc); err != nil {
			continue
		}
		download.Receipts = append(download.Receipts, rc)
	}

	s.emitReceipts(ctx, download.Messages, deviceKey, userKey)

	writeMsgpack(w, http.StatusOK, download)
}

// emitReceipts records, per topic, the highest chain index just handed to a
// draining device, and fans that observation out to the topic's other
// members as Receipt records: handing an update to a device is the server's
// only visibility into "this member has now seen the chain up to here".
func (s *Server) emitReceipts(ctx context.Context, delivered []protocol.Update, deviceKey, userKey keys.SigningPublicKey) {
	maxByTopic := make(map[[protocol.TopicIDSize]byte]uint32)
	for _, u := range delivered {
		if u.ChainIndex > maxByTopic[u.TopicID] {
			maxByTopic[u.TopicID] = u.ChainIndex
		}
	}
	for topicID, idx := range maxByTopic {
		receipt := protocol.Receipt{TopicID: topicID, ChainIndex: idx, Sender: userKey}
		if err := s.repo.StoreReceipt(ctx, topicID, idx, userKey, receipt.Signature); err != nil {
			s.logger.Warn().Err(err).Msg("store receipt")
			continue
		}
		t, err := s.repo.GetTopic(ctx, topicID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("emit receipt: load topic members")
			continue
		}
		s.notifyMembers(ctx, t.Members, deviceKey, protocol.TypeReceipt, receipt)
	}
}

func parseFileIDs(r *http.Request) (topicID [protocol.TopicIDSize]byte, fileID [protocol.MessageIDSize]byte, ok bool) {
	topicRaw, err := base64.URLEncoding.DecodeString(chi.URLParam(r, "topicID"))
	if err != nil || len(topicRaw) != protocol.TopicIDSize {
		return topicID, fileID, false
	}
	fileRaw, err := base64.URLEncoding.DecodeString(chi.URLParam(r, "fileID"))
	if err != nil || len(fileRaw) != protocol.MessageIDSize {
		return topicID, fileID, false
	}
	copy(topicID[:], topicRaw)
	copy(fileID[:], fileRaw)
	return topicID, fileID, true
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	topicID, fileID, ok := parseFileIDs(r)
	if !ok {
		writeEmpty(w, http.StatusBadRequest)
		return
	}
	ciphertext, err := s.repo.GetFile(r.Context(), topicID, fileID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeEmpty(w, http.StatusNotFound)
			return
		}
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "get file", err))
		return
	}
	writeRaw(w, http.StatusOK, ciphertext)
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	topicID, fileID, ok := parseFileIDs(r)
	if !ok {
		writeEmpty(w, http.StatusBadRequest)
		return
	}
	ciphertext, err := readRawBody(r)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if err := s.repo.SetFileCiphertext(r.Context(), topicID, fileID, ciphertext); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeEmpty(w, http.StatusNotFound)
			return
		}
		writeErr(w, s.logger, rverrors.Wrap(rverrors.KindInternalServerError, "set file ciphertext", err))
		return
	}
	writeEmpty(w, http.StatusOK)
}
