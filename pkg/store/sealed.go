package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

// ErrNotSealed is returned when a record of a sealed kind is stored in
// plaintext.
var ErrNotSealed = errors.New("record is not sealed")

// sealedRecord is the on-disk envelope. Inner stores only ever see this
// JSON object, so file and redis backends keep working unchanged.
type sealedRecord struct {
	Sealed string `json:"sealed"`
}

// SealedStore encrypts records with age before they reach the wrapped
// store. Accounts carry passwords and OTP secrets, so the account kind is
// the usual candidate.
type SealedStore struct {
	inner      Store
	identity   *age.X25519Identity
	recipients []age.Recipient
	kinds      map[string]bool
}

// NewSealedStore wraps inner. identity is an AGE-SECRET-KEY-1... string;
// records are encrypted to it and to any extra age1... recipients (an
// escrow key). With no kinds every record is sealed.
func NewSealedStore(inner Store, identity string, extra []string, kinds ...string) (*SealedStore, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	recipients := []age.Recipient{id.Recipient()}
	for _, key := range extra {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}
	s := &SealedStore{inner: inner, identity: id, recipients: recipients}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s, nil
}

// GenerateIdentity returns a new age secret key and its public recipient.
func GenerateIdentity() (secretKey, publicKey string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

func (s *SealedStore) sealed(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

func (s *SealedStore) seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return json.Marshal(sealedRecord{Sealed: base64.StdEncoding.EncodeToString(buf.Bytes())})
}

func (s *SealedStore) open(data []byte) ([]byte, error) {
	var rec sealedRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Sealed == "" {
		return nil, ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(rec.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return io.ReadAll(r)
}

func (s *SealedStore) Get(ctx context.Context, kind, id string) ([]byte, error) {
	data, err := s.inner.Get(ctx, kind, id)
	if err != nil || !s.sealed(kind) {
		return data, err
	}
	plain, err := s.open(data)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, err)
	}
	return plain, nil
}

func (s *SealedStore) Put(ctx context.Context, kind, id string, data []byte) error {
	if !s.sealed(kind) {
		return s.inner.Put(ctx, kind, id, data)
	}
	enc, err := s.seal(data)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, kind, id, enc)
}

func (s *SealedStore) Patch(ctx context.Context, kind, id string, fn PatchFunc) error {
	if !s.sealed(kind) {
		return s.inner.Patch(ctx, kind, id, fn)
	}
	return s.inner.Patch(ctx, kind, id, func(current []byte) ([]byte, error) {
		var plain []byte
		if current != nil {
			var err error
			if plain, err = s.open(current); err != nil {
				return nil, fmt.Errorf("%s %s: %w", kind, id, err)
			}
		}
		next, err := fn(plain)
		if err != nil {
			return nil, err
		}
		return s.seal(next)
	})
}

func (s *SealedStore) List(ctx context.Context, kind string) (map[string][]byte, error) {
	raw, err := s.inner.List(ctx, kind)
	if err != nil || !s.sealed(kind) {
		return raw, err
	}
	out := make(map[string][]byte, len(raw))
	var errs []error
	for id, data := range raw {
		plain, err := s.open(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, id, err))
			continue
		}
		out[id] = plain
	}
	return out, errors.Join(errs...)
}

func (s *SealedStore) Delete(ctx context.Context, kind, id string) error {
	return s.inner.Delete(ctx, kind, id)
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}
