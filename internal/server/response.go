package server

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// writeMsgpack serializes data as msgpack and writes it with status, the
// same wire encoding used for every protocol request/response body.
func writeMsgpack(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/msgpack")

	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := protocol.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeEmpty writes a bare status with no body, for endpoints whose
// success response is the empty set.
func writeEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

// writeRaw writes body verbatim with no msgpack wrapping, for the handful
// of endpoints that exchange raw bytes: user/register and admin/renew's
// token responses, and the files/{topic}/{file} ciphertext bodies.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// readRawBody reads the request body verbatim, for the PUT
// files/{topic}/{file} endpoint whose body is raw ciphertext rather than a
// msgpack-wrapped struct.
func readRawBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindInvalidRequest, "read request body", err)
	}
	return buf, nil
}

// writeErr translates err into the HTTP status its rverrors.Kind maps to
// (falling back to 500 for errors outside the taxonomy) and logs it.
func writeErr(w http.ResponseWriter, logger zerolog.Logger, err error) {
	kind := rverrors.KindOf(err)
	status := rverrors.KindToStatus(kind)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeEmpty(w, status)
}

// readBody unmarshals the request body into v, returning an
// invalid_request error on failure. The body size limit itself is enforced
// upstream by the maxBodySize middleware.
func readBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return rverrors.Wrap(rverrors.KindInvalidRequest, "read request body", err)
	}
	if err := protocol.Unmarshal(buf, v); err != nil {
		return rverrors.Wrap(rverrors.KindInvalidRequest, "decode request body", err)
	}
	return nil
}
