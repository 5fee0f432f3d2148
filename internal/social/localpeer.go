package social

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lattice-proxy/lattice-proxy/internal/storage"
)

// LocalPeer is the local identity ("me" record). The instanceId is stable
// across restarts; the clientId is assigned per session by the transport
// and never persisted.
type LocalPeer struct {
	InstanceID string `json:"instanceId"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	PublicKey  []byte `json:"publicKey"`
	KeyHash    string `json:"keyHash"`

	ClientID string `json:"-"`
}

// Options are operator-tunable settings persisted under the "options" key.
// AutoAcceptOffers is policy consumed by the caller's handshake-event
// handler; the core itself never acts on it.
type Options struct {
	Description      string `json:"description"`
	AutoAcceptOffers bool   `json:"autoAcceptOffers"`
}

// EnsureLocalPeer loads the persisted identity or mints a fresh one: a
// random instanceId plus an ed25519 key whose fingerprint peers pin as
// keyHash. Changes to the configured userId or display name are folded in
// and persisted.
func EnsureLocalPeer(ctx context.Context, store storage.Store, userID, name string) (LocalPeer, error) {
	if store == nil {
		return LocalPeer{}, errors.New("storage is required for local identity")
	}

	var me LocalPeer
	err := store.Load(ctx, storage.KeyLocalPeer, &me)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		pub, _, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return LocalPeer{}, fmt.Errorf("generate identity key: %w", genErr)
		}
		me = LocalPeer{
			InstanceID: uuid.NewString(),
			UserID:     userID,
			Name:       name,
			PublicKey:  pub,
			KeyHash:    fingerprint(pub),
		}
		if saveErr := store.Save(ctx, storage.KeyLocalPeer, me); saveErr != nil {
			return LocalPeer{}, fmt.Errorf("save local identity: %w", saveErr)
		}
		return me, nil
	case err != nil:
		return LocalPeer{}, fmt.Errorf("load local identity: %w", err)
	}

	dirty := false
	if userID != "" && me.UserID != userID {
		me.UserID = userID
		dirty = true
	}
	if name != "" && me.Name != name {
		me.Name = name
		dirty = true
	}
	if me.KeyHash == "" && len(me.PublicKey) > 0 {
		me.KeyHash = fingerprint(me.PublicKey)
		dirty = true
	}
	if dirty {
		if err := store.Save(ctx, storage.KeyLocalPeer, me); err != nil {
			return LocalPeer{}, fmt.Errorf("save local identity: %w", err)
		}
	}
	return me, nil
}

// EnsureOptions loads persisted options, writing the defaults on first run.
func EnsureOptions(ctx context.Context, store storage.Store, defaults Options) (Options, error) {
	var opts Options
	err := store.Load(ctx, storage.KeyOptions, &opts)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if saveErr := store.Save(ctx, storage.KeyOptions, defaults); saveErr != nil {
			return Options{}, fmt.Errorf("save options: %w", saveErr)
		}
		return defaults, nil
	case err != nil:
		return Options{}, fmt.Errorf("load options: %w", err)
	}
	return opts, nil
}

func fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.StdEncoding.EncodeToString(sum[:])
}
