// Package trackstore persists the progress records ("Tracks") resumable
// uploads are recovered from, keyed by file fingerprint.
package trackstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/parcelkit/go-uploadutils/uploader/network"
	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

// trackKeyPrefix namespaces Track entries inside a shared KV substrate.
const trackKeyPrefix = "upload_track:"

// Track is the persisted progress record of one resumable upload. There is
// at most one Track per fingerprint; writes overwrite. A Track outlives
// failed attempts and is only removed on success, explicit stop or expiry.
type Track struct {
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	ContentType  string `json:"content_type"`
	LastModified int64  `json:"last_modified"`

	FileType      string `json:"file_type"`
	SubCategory   string `json:"sub_category"`
	FileExtension string `json:"file_extension"`

	// RemoteName is the service-assigned object name, known once a token
	// was issued.
	RemoteName string `json:"remote_name"`
	// Percent complete, 0-100.
	Percent int `json:"percent"`
	// Checkpoint is the transfer's opaque resumption state, round-tripped
	// byte for byte.
	Checkpoint *transfer.Checkpoint `json:"checkpoint,omitempty"`
	// LastTime is the unix timestamp of the last update, used by the
	// expiry sweep.
	LastTime int64 `json:"last_time"`
	// Token caches the issued credentials so a resume after a crash does
	// not have to re-issue them.
	Token *network.Token `json:"token,omitempty"`
}

// Store ...
type Store struct {
	kv     KV
	logger log.Logger
}

// NewStore ...
func NewStore(kv KV, logger log.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

// Get returns the Track stored for a fingerprint. A missing or malformed
// entry is reported as absent, never as an error.
func (s *Store) Get(fingerprint string) (*Track, bool) {
	raw, ok := s.kv.Get(storageKey(fingerprint))
	if !ok {
		return nil, false
	}
	var track Track
	if err := json.Unmarshal([]byte(raw), &track); err != nil {
		s.logger.Debugf("Ignoring malformed track for %s: %s", fingerprint, err)
		return nil, false
	}
	return &track, true
}

// Put overwrites the Track stored for a fingerprint.
func (s *Store) Put(fingerprint string, track *Track) error {
	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("serialize track: %w", err)
	}
	if err := s.kv.Set(storageKey(fingerprint), string(data)); err != nil {
		return fmt.Errorf("store track: %w", err)
	}
	return nil
}

// Delete removes the Track stored for a fingerprint. Deleting an absent
// entry is a no-op.
func (s *Store) Delete(fingerprint string) error {
	if err := s.kv.Delete(storageKey(fingerprint)); err != nil {
		return fmt.Errorf("delete track: %w", err)
	}
	return nil
}

// SweepExpired deletes Tracks whose last update is older than maxAge.
// Entries that can't be parsed have no trustworthy timestamp and are left
// alone. The sweep is best effort and never fails the caller.
func (s *Store) SweepExpired(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge).Unix()
	for _, key := range s.kv.Keys() {
		if !strings.HasPrefix(key, trackKeyPrefix) {
			continue
		}
		raw, ok := s.kv.Get(key)
		if !ok {
			continue
		}
		var track Track
		if err := json.Unmarshal([]byte(raw), &track); err != nil {
			s.logger.Debugf("Sweep: skipping malformed entry %s: %s", key, err)
			continue
		}
		if track.LastTime > 0 && track.LastTime < cutoff {
			s.logger.Debugf("Sweep: removing expired track %s", key)
			if err := s.kv.Delete(key); err != nil {
				s.logger.Warnf("Sweep: failed to remove %s: %s", key, err)
			}
		}
	}
}

func storageKey(fingerprint string) string {
	return trackKeyPrefix + fingerprint
}
