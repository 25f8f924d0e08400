// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"encoding/json"
	"errors"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"

	"github.com/growvia/tracking/core"
)

// Key prefixes for the tracking keyspace.
var (
	eventPrefix    = []byte("evt/")
	responsePrefix = []byte("rsp/")
	clickPrefix    = []byte("clk/")
	sessionPrefix  = []byte("ses/")
)

// Storage wraps luxfi's database interface with tracking-typed helpers.
type Storage struct {
	db database.Database
}

// NewStorage creates a new storage instance using luxfi/database
func NewStorage(dbType string, path string) (*Storage, error) {
	var db database.Database
	var err error

	switch dbType {
	case "memory":
		db = memdb.New()
	default:
		db, err = badgerdb.New(path, nil, "", nil)
		if err != nil {
			return nil, err
		}
	}

	return &Storage{db: db}, nil
}

// PutEvent persists a tracking event keyed by its id.
func (s *Storage) PutEvent(evt *core.TrackingEvent) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.db.Put(append(eventPrefix, evt.ID...), raw)
}

// GetEvent loads a tracking event by id.
func (s *Storage) GetEvent(id string) (*core.TrackingEvent, error) {
	raw, err := s.db.Get(append(eventPrefix, id...))
	if err != nil {
		return nil, err
	}
	var evt core.TrackingEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// PutResponse stores the exact response bytes served for an event id so
// replays return a byte-identical result.
func (s *Storage) PutResponse(eventID string, raw []byte) error {
	return s.db.Put(append(responsePrefix, eventID...), raw)
}

// GetResponse loads the stored response bytes for an event id.
func (s *Storage) GetResponse(eventID string) ([]byte, error) {
	return s.db.Get(append(responsePrefix, eventID...))
}

// HasResponse reports whether a terminal response exists for an event id.
func (s *Storage) HasResponse(eventID string) (bool, error) {
	return s.db.Has(append(responsePrefix, eventID...))
}

// PutClick snapshots a click window.
func (s *Storage) PutClick(click *core.ClickData) error {
	raw, err := json.Marshal(click)
	if err != nil {
		return err
	}
	return s.db.Put(append(clickPrefix, click.ID...), raw)
}

// DeleteClick removes a reaped click snapshot.
func (s *Storage) DeleteClick(id string) error {
	return s.db.Delete(append(clickPrefix, id...))
}

// PutSession snapshots a session.
func (s *Storage) PutSession(sess *core.SessionData) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.db.Put(append(sessionPrefix, sess.ID...), raw)
}

// NewIteratorWithPrefix creates an iterator over one keyspace.
func (s *Storage) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return s.db.NewIteratorWithPrefix(prefix)
}

// IsNotFound reports whether err is the backend's missing-key error,
// wrapped or not.
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}
