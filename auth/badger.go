// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/bcrypt"
)

const userPrefix = "user/"

// ErrUserNotFound is returned when removing an unknown user.
var ErrUserNotFound = errors.New("user not found")

// BadgerStore keeps bcrypt password hashes in BadgerDB.
//
// Key format:
//   - user/{username} -> bcrypt hash
type BadgerStore struct {
	db   *badger.DB
	cost int
}

var _ Authenticator = (*BadgerStore)(nil)

// OpenBadger opens a store in dir. An empty dir opens an in-memory store.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, cost: bcrypt.DefaultCost}
}

// SetCost sets the bcrypt cost for new hashes.
func (s *BadgerStore) SetCost(cost int) {
	s.cost = cost
}

// PutUser creates or replaces a user.
func (s *BadgerStore) PutUser(username, password string) error {
	if username == "" {
		return ErrEmptyUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(userPrefix+username), hash)
	})
}

// DeleteUser removes a user.
func (s *BadgerStore) DeleteUser(username string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + username)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Users lists the stored usernames.
func (s *BadgerStore) Users() ([]string, error) {
	var users []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			users = append(users, string(it.Item().Key()[len(userPrefix):]))
		}
		return nil
	})
	return users, err
}

func (s *BadgerStore) Authenticate(_ context.Context, username, password string) (bool, error) {
	var hash []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + username))
		if err != nil {
			return err
		}
		hash, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
