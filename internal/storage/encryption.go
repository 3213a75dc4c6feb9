package storage

import (
	"context"

	"flora-session/internal/common/errors"
	"flora-session/internal/crypto"
)

// EncryptedStore seals values before they reach the wrapped Store. Keys are
// stored as-is.
type EncryptedStore struct {
	inner     Store
	encryptor *crypto.Encryptor
}

// NewEncryptedStore wraps inner. An empty key returns inner unchanged.
func NewEncryptedStore(inner Store, encryptionKey string) (Store, error) {
	if encryptionKey == "" {
		return inner, nil
	}

	encryptor, err := crypto.NewEncryptor(encryptionKey)
	if err != nil {
		return nil, errors.ConfigError("failed to create encryptor").WithContext("cause", err.Error())
	}

	return &EncryptedStore{inner: inner, encryptor: encryptor}, nil
}

func (s *EncryptedStore) Get(ctx context.Context, key string) (string, bool, error) {
	sealed, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	value, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return "", false, errors.StorageError("failed to decrypt stored value", err).WithContext("key", key)
	}
	return value, true, nil
}

func (s *EncryptedStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	sealed, err := s.inner.GetMany(ctx, keys...)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(sealed))
	for key, v := range sealed {
		value, err := s.encryptor.Decrypt(v)
		if err != nil {
			return nil, errors.StorageError("failed to decrypt stored value", err).WithContext("key", key)
		}
		values[key] = value
	}
	return values, nil
}

func (s *EncryptedStore) SetMany(ctx context.Context, pairs ...Pair) error {
	sealed := make([]Pair, len(pairs))
	for i, p := range pairs {
		value, err := s.encryptor.Encrypt(p.Value)
		if err != nil {
			return errors.StorageError("failed to encrypt value", err).WithContext("key", p.Key)
		}
		sealed[i] = Pair{Key: p.Key, Value: value}
	}
	return s.inner.SetMany(ctx, sealed...)
}

func (s *EncryptedStore) Remove(ctx context.Context, keys ...string) error {
	return s.inner.Remove(ctx, keys...)
}

func (s *EncryptedStore) Close() error {
	return s.inner.Close()
}
