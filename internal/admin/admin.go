// Package admin implements the admin adapter: the three token-bearing
// control operations layered over the same Client the device core uses.
package admin

import (
	"context"
	"encoding/base64"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/internal/transport"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// Adapter holds the current admin token and issues admin/* requests.
type Adapter struct {
	client transport.Client
	token  [protocol.AuthTokenSize]byte
	logger zerolog.Logger
}

// New builds an Adapter starting from the 16 zero bytes, the token a
// freshly reset development server accepts.
func New(client transport.Client, logger zerolog.Logger) *Adapter {
	return &Adapter{client: client, logger: logger.With().Str("component", "admin").Logger()}
}

// Token returns the currently held admin token.
func (a *Adapter) Token() [protocol.AuthTokenSize]byte { return a.token }

func (a *Adapter) headers() map[string]string {
	return map[string]string{"auth": base64.StdEncoding.EncodeToString(a.token[:])}
}

// UpdateAdminToken rotates the admin token: the server returns the new
// 16-byte token, which replaces the adapter's current one.
func (a *Adapter) UpdateAdminToken(ctx context.Context) error {
	body, err := a.client.Do(ctx, "GET", "admin/renew", a.headers(), nil)
	if err != nil {
		return err
	}
	if len(body) != protocol.AuthTokenSize {
		return rverrors.New(rverrors.KindNoDataInResponse, "admin/renew did not return a 16-byte token")
	}
	copy(a.token[:], body)
	return nil
}

// ResetDevelopmentServer wipes all server state and resets the local token
// to the 16 zero bytes.
func (a *Adapter) ResetDevelopmentServer(ctx context.Context) error {
	if _, err := a.client.Do(ctx, "GET", "admin/reset", a.headers(), nil); err != nil {
		return err
	}
	a.token = [protocol.AuthTokenSize]byte{}
	return nil
}

// Allow allows a new user to register, returning the pin they must present
// along with their registration bundle.
func (a *Adapter) Allow(ctx context.Context, username string) (protocol.AllowedUser, error) {
	headers := a.headers()
	headers["username"] = username

	body, err := a.client.Do(ctx, "POST", "user/allow", headers, nil)
	if err != nil {
		return protocol.AllowedUser{}, err
	}
	if body == nil {
		return protocol.AllowedUser{}, rverrors.New(rverrors.KindNoDataInResponse, "user/allow returned no body")
	}

	var allowed protocol.AllowedUser
	if err := protocol.Unmarshal(body, &allowed); err != nil {
		return protocol.AllowedUser{}, rverrors.Wrap(rverrors.KindInvalidServerData, "decode AllowedUser", err)
	}
	return allowed, nil
}
