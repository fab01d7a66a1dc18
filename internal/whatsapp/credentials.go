package whatsapp

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

const (
	deviceDBName = "device.db"
	pairedMarker = "paired"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Credentials lays out one directory per user under root, holding the
// whatsmeow device store and a marker written after the first successful
// login.
type Credentials struct {
	root string
}

// NewCredentials returns a credential store rooted at dir.
func NewCredentials(dir string) *Credentials {
	return &Credentials{root: dir}
}

// Dir returns the credential directory for userID.
func (c *Credentials) Dir(userID string) string {
	return filepath.Join(c.root, dirName(userID))
}

// HasCredentials reports whether userID has completed pairing.
func (c *Credentials) HasCredentials(userID string) bool {
	_, err := os.Stat(filepath.Join(c.Dir(userID), pairedMarker))
	return err == nil
}

// RemoveCredentials deletes the user's device store, including SQLite
// side files, and the paired marker.
func (c *Credentials) RemoveCredentials(userID string) error {
	dir := c.Dir(userID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("whatsapp: remove credentials for %s: %w", userID, err)
	}
	waLogger.Info("credentials_removed", slog.String("user", userID))
	return nil
}

func (c *Credentials) markPaired(userID string) error {
	dir := c.Dir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, pairedMarker), nil, 0o600)
}

func (c *Credentials) clearPaired(userID string) error {
	err := os.Remove(filepath.Join(c.Dir(userID), pairedMarker))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// dirName maps a user id onto a single safe path element.
func dirName(userID string) string {
	if safeName.MatchString(userID) && userID != "." && userID != ".." {
		return userID
	}
	sum := sha256.Sum256([]byte(userID))
	return "u-" + hex.EncodeToString(sum[:8])
}
