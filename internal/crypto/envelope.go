package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotSealed = errors.New("value is not a sealed envelope")

// Envelope is the JSON form of a sealed secret.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer seals provider credentials with AES-GCM. Old keys stay available
// for opening so keys can be rotated without resealing everything at once.
type Sealer struct {
	currentKeyID string
	keys         map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: new cipher: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %q: new gcm: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Sealer{currentKeyID: currentKeyID, keys: aeads}, nil
}

// Seal encrypts value with the current key and returns the envelope JSON.
func (s *Sealer) Seal(value string) (string, error) {
	aead := s.keys[s.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      s.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(value), []byte(s.currentKeyID))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open decrypts an envelope produced by Seal with any known key.
func (s *Sealer) Open(sealed string) (string, error) {
	sealed = strings.TrimSpace(sealed)
	if !strings.HasPrefix(sealed, "{") {
		return "", ErrNotSealed
	}
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	aead, ok := s.keys[env.KeyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(env.KeyID))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Reseal opens a value sealed with any known key and seals it with the current one.
func (s *Sealer) Reseal(sealed string) (string, error) {
	plain, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return s.Seal(plain)
}

// CurrentKeyID returns the id new envelopes are sealed with.
func (s *Sealer) CurrentKeyID() string {
	return s.currentKeyID
}
