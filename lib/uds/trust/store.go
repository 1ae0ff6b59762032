/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package trust implements the broker endpoint and certificate trust policy:
// a persistent, file-locked approval store plus the CA bundle search order.
package trust

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var log = logrus.WithField("component", "uds:trust")

var (
	bucketEndpoints = []byte("endpoints")
	bucketSSL       = []byte("ssl")

	approvedValue = []byte{1}
)

// Store is a persistent, process-shared key-value map of user approvals,
// grouped into "endpoints" (hostname -> approved) and "ssl" (certificate
// serial hex -> approved). Entries are created on first approval and are
// never deleted by the client itself.
type Store struct {
	db   *bolt.DB
	lock *flock.Flock
	path string
}

// OpenStore opens (creating if necessary) the bbolt-backed trust store at
// path, taking an exclusive file lock for the duration so two concurrent
// invocations of the client can't interleave writes.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, trace.Wrap(err, "creating trust store directory")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, trace.Wrap(err, "locking trust store")
	}
	if !locked {
		return nil, trace.ConnectionProblem(nil, "trust store %s is locked by another udsclient instance", path)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		_ = fl.Unlock()
		return nil, trace.Wrap(err, "opening trust store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEndpoints); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSSL); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		_ = fl.Unlock()
		return nil, trace.Wrap(err, "initializing trust store buckets")
	}

	return &Store{db: db, lock: fl, path: path}, nil
}

// Close releases the bbolt handle and the file lock.
func (s *Store) Close() error {
	closeErr := s.db.Close()
	unlockErr := s.lock.Unlock()
	if closeErr != nil {
		return trace.Wrap(closeErr)
	}
	return trace.Wrap(unlockErr)
}

// IsEndpointApproved reports whether host has a recorded approval.
func (s *Store) IsEndpointApproved(host string) (bool, error) {
	return s.get(bucketEndpoints, host)
}

// SetEndpointApproved records approval for host.
func (s *Store) SetEndpointApproved(host string) error {
	return s.set(bucketEndpoints, host)
}

// IsCertApproved reports whether the given certificate serial (lowercase
// hex) has a recorded approval.
func (s *Store) IsCertApproved(serialHex string) (bool, error) {
	return s.get(bucketSSL, serialHex)
}

// SetCertApproved records approval for the given certificate serial.
func (s *Store) SetCertApproved(serialHex string) error {
	return s.set(bucketSSL, serialHex)
}

func (s *Store) get(bucket []byte, key string) (bool, error) {
	var approved bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		approved = b != nil && b.Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, trace.Wrap(err, "reading trust store")
	}
	return approved, nil
}

func (s *Store) set(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		return b.Put([]byte(key), approvedValue)
	})
	if err != nil {
		log.WithError(err).WithField("key", key).Error("failed to persist trust approval")
		return trace.Wrap(err, "writing trust store")
	}
	return nil
}
