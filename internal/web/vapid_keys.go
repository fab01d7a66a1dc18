package web

import (
	"fmt"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	metaVAPIDPublic  = "push_vapid_public_key"
	metaVAPIDPrivate = "push_vapid_private_key"
)

// MetaStore is the key-value table the VAPID keypair lives in.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// EnsurePushVAPIDKeys returns the persisted VAPID keypair, generating and
// storing one on first use. Keys survive restarts so existing browser
// subscriptions stay valid.
func EnsurePushVAPIDKeys(meta MetaStore) (publicKey, privateKey string, generated bool, err error) {
	publicKey, err = meta.GetMeta(metaVAPIDPublic)
	if err != nil {
		return "", "", false, fmt.Errorf("read vapid public key: %w", err)
	}
	privateKey, err = meta.GetMeta(metaVAPIDPrivate)
	if err != nil {
		return "", "", false, fmt.Errorf("read vapid private key: %w", err)
	}
	publicKey = strings.TrimSpace(publicKey)
	privateKey = strings.TrimSpace(privateKey)
	if publicKey != "" && privateKey != "" {
		return publicKey, privateKey, false, nil
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	// Private first: a crash between the writes leaves no usable half pair.
	if err := meta.SetMeta(metaVAPIDPrivate, privateKey); err != nil {
		return "", "", false, fmt.Errorf("store vapid private key: %w", err)
	}
	if err := meta.SetMeta(metaVAPIDPublic, publicKey); err != nil {
		return "", "", false, fmt.Errorf("store vapid public key: %w", err)
	}
	pushLog.Info("vapid_keys_generated")
	return publicKey, privateKey, true, nil
}
