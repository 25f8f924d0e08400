// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/luxfi/database"
	"github.com/stretchr/testify/require"

	"github.com/growvia/tracking/core"
)

func newMemStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventRoundTrip(t *testing.T) {
	require := require.New(t)
	s := newMemStorage(t)

	evt := &core.TrackingEvent{
		ID:        "evt_1",
		Type:      core.EventPurchase,
		Timestamp: time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
		Status:    core.StatusValidated,
	}
	require.NoError(s.PutEvent(evt))

	loaded, err := s.GetEvent("evt_1")
	require.NoError(err)
	require.Equal(evt.ID, loaded.ID)
	require.Equal(evt.Status, loaded.Status)

	_, err = s.GetEvent("evt_missing")
	require.Error(err)
	require.True(IsNotFound(err))
}

func TestResponseBytesPreserved(t *testing.T) {
	require := require.New(t)
	s := newMemStorage(t)

	raw := []byte(`{"success":true,"event_id":"evt_1","attributed":true,"validated":true}`)
	require.NoError(s.PutResponse("evt_1", raw))

	ok, err := s.HasResponse("evt_1")
	require.NoError(err)
	require.True(ok)

	stored, err := s.GetResponse("evt_1")
	require.NoError(err)
	require.Equal(raw, stored, "replay responses must be byte-identical")

	ok, err = s.HasResponse("evt_other")
	require.NoError(err)
	require.False(ok)
}

func TestIsNotFoundMatchesWrappedErrors(t *testing.T) {
	require := require.New(t)

	require.True(IsNotFound(database.ErrNotFound))
	require.True(IsNotFound(fmt.Errorf("load event: %w", database.ErrNotFound)))
	require.False(IsNotFound(errors.New("disk full")))
	require.False(IsNotFound(nil))
}

func TestClickSnapshotLifecycle(t *testing.T) {
	require := require.New(t)
	s := newMemStorage(t)

	click := &core.ClickData{
		ID:          "clk_1",
		AffiliateID: "aff_1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(s.PutClick(click))
	require.NoError(s.DeleteClick("clk_1"))

	it := s.NewIteratorWithPrefix([]byte("clk/"))
	defer it.Release()
	require.False(it.Next(), "deleted click must not be iterable")
}

func TestKeyspacesDoNotCollide(t *testing.T) {
	require := require.New(t)
	s := newMemStorage(t)

	require.NoError(s.PutEvent(&core.TrackingEvent{ID: "x"}))
	require.NoError(s.PutResponse("x", []byte("{}")))
	require.NoError(s.PutSession(&core.SessionData{ID: "x"}))

	evt, err := s.GetEvent("x")
	require.NoError(err)
	require.Equal("x", evt.ID)

	raw, err := s.GetResponse("x")
	require.NoError(err)
	require.Equal([]byte("{}"), raw)
}
