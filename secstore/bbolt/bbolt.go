// Package bbolt provides a BBolt-backed secstore.Store. Secrets are sealed
// with a device key before they touch disk; one bucket per username keeps
// writes for a username atomic and serialized.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/mreed/walletkit/internal/util"
	"github.com/mreed/walletkit/secstore"
)

// Store implements secstore.Store backed by a BBolt database.
type Store struct {
	db        *bbolt.DB
	deviceKey []byte
	auth      secstore.Authenticator
	log       *zap.Logger
}

var _ secstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithAuthenticator sets the authenticator consulted before gated reads.
// Without one, gated secrets degrade to software-only protection.
func WithAuthenticator(a secstore.Authenticator) Option {
	return func(s *Store) { s.auth = a }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore returns a Store sealing secrets with the given 32-byte device key.
func NewStore(db *bbolt.DB, deviceKey []byte, opts ...Option) (*Store, error) {
	if len(deviceKey) != util.AESKeySize {
		return nil, fmt.Errorf("device key must be %d bytes", util.AESKeySize)
	}
	s := &Store{
		db:        db,
		deviceKey: util.CopyBytes(deviceKey),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewStoreFromFile opens a BBolt database at path and returns a Store.
func NewStoreFromFile(path string, deviceKey []byte, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening bbolt db: %v", secstore.ErrUnavailable, err)
	}
	return NewStore(db, deviceKey, opts...)
}

// Close closes the underlying database and wipes the device key.
func (s *Store) Close() error {
	util.WipeBytes(s.deviceKey)
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, username string, kind secstore.SecretKind, value []byte, requireAuth bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := secstore.SealEnvelope(s.deviceKey, value, username, kind, requireAuth)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", secstore.ErrEncodingFailed, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(username))
		if err != nil {
			return err
		}
		return b.Put([]byte(kind), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", secstore.ErrUnavailable, err)
	}
	s.log.Debug("secret stored",
		zap.String("username", username),
		zap.String("kind", string(kind)),
		zap.Bool("require_auth", requireAuth))
	return nil
}

func (s *Store) Get(ctx context.Context, username string, kind secstore.SecretKind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var env secstore.Envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(username))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", username, kind, secstore.ErrNotFound)
		}
		data := b.Get([]byte(kind))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", username, kind, secstore.ErrNotFound)
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("%w: %v", secstore.ErrEncodingFailed, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, secstore.ErrNotFound) || errors.Is(err, secstore.ErrEncodingFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", secstore.ErrUnavailable, err)
	}

	// Prompt before decrypting so a denied prompt never yields plaintext.
	if env.RequireAuth && s.auth != nil {
		if err := s.auth.Authenticate(ctx, "unlock "+string(kind)); err != nil {
			s.log.Debug("authentication prompt denied",
				zap.String("username", username),
				zap.String("kind", string(kind)))
			return nil, fmt.Errorf("%w: %v", secstore.ErrAuthenticationDenied, err)
		}
	}
	return secstore.OpenEnvelope(s.deviceKey, &env, username, kind)
}

func (s *Store) Delete(ctx context.Context, username string, kind secstore.SecretKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(username))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(kind))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", secstore.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(username)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(username))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", secstore.ErrUnavailable, err)
	}
	s.log.Debug("secrets cleared", zap.String("username", username))
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var usernames []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			usernames = append(usernames, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", secstore.ErrUnavailable, err)
	}
	sort.Strings(usernames)
	return usernames, nil
}

func (s *Store) HasHardwareAuth() bool {
	return s.auth != nil && s.auth.HardwareBacked()
}
