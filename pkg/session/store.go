// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/ids"
	"github.com/growvia/tracking/pkg/log"
	"github.com/growvia/tracking/pkg/storage"
)

var (
	ErrClickNotFound  = errors.New("click not found")
	ErrClickExpired   = errors.New("click window expired")
	ErrClickConverted = errors.New("click already converted")
)

// DefaultRetention is how long an expired click is kept before the
// reaper purges it.
const DefaultRetention = 24 * time.Hour

// Store owns click windows and session state keyed by visitor. All
// mutations to a given visitor's session or click records are
// serialized through a per-key mutex so concurrent events for the same
// visitor cannot race to lose updates.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string]*core.SessionData // session id -> session
	byVisitor     map[string]string            // visitor id -> session id
	clicks        map[string]*core.ClickData   // click id -> click
	visitorClicks map[string][]string          // visitor id -> click ids, append order

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // per-visitor serialization

	retention time.Duration
	db        *storage.Storage // optional snapshots, best-effort
	log       log.Logger
}

// NewStore creates a click/session store. db may be nil.
func NewStore(db *storage.Storage, retention time.Duration, logger log.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		sessions:      make(map[string]*core.SessionData),
		byVisitor:     make(map[string]string),
		clicks:        make(map[string]*core.ClickData),
		visitorClicks: make(map[string][]string),
		locks:         make(map[string]*sync.Mutex),
		retention:     retention,
		db:            db,
		log:           logger,
	}
}

// visitorLock returns the serialization mutex for a visitor key.
func (st *Store) visitorLock(key string) *sync.Mutex {
	st.lockMu.Lock()
	defer st.lockMu.Unlock()
	l, ok := st.locks[key]
	if !ok {
		l = &sync.Mutex{}
		st.locks[key] = l
	}
	return l
}

// Touch creates the session on first sight of a visitor, else appends
// the event. Calling it twice with the same event id is safe: the
// second call only bumps nothing and returns the current state.
func (st *Store) Touch(evt *core.TrackingEvent) *core.SessionData {
	l := st.visitorLock(evt.VisitorID)
	l.Lock()
	defer l.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	sessID := evt.SessionID
	if sessID == "" {
		sessID = st.byVisitor[evt.VisitorID]
	}

	sess, ok := st.sessions[sessID]
	if !ok {
		if sessID == "" {
			sessID = ids.New(ids.KindSession)
		}
		sess = &core.SessionData{
			ID:                sessID,
			VisitorID:         evt.VisitorID,
			StartTime:         evt.Timestamp,
			LastActivityTime:  evt.Timestamp,
			InitialReferrer:   evt.Context.Referrer,
			InitialURL:        evt.Context.URL,
			DeviceFingerprint: evt.Context.DeviceFingerprint,
			IP:                evt.Context.IP,
		}
		st.sessions[sessID] = sess
		st.byVisitor[evt.VisitorID] = sessID
	}

	for _, id := range sess.EventIDs {
		if id == evt.ID {
			return st.snapshotSessionLocked(sess)
		}
	}

	sess.EventIDs = append(sess.EventIDs, evt.ID)
	if evt.Timestamp.After(sess.LastActivityTime) {
		sess.LastActivityTime = evt.Timestamp
	}
	if evt.Type == core.EventVisit || evt.Type == core.EventClick {
		sess.PageViews++
	}

	st.persistSession(sess)
	return st.snapshotSessionLocked(sess)
}

// RecordClick opens a click window and appends it to the owning
// session's chronological click list.
func (st *Store) RecordClick(click *core.ClickData) {
	l := st.visitorLock(click.VisitorID)
	l.Lock()
	defer l.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.clicks[click.ID]; ok {
		return
	}

	cp := *click
	st.clicks[click.ID] = &cp
	st.visitorClicks[click.VisitorID] = append(st.visitorClicks[click.VisitorID], click.ID)

	if sess, ok := st.sessions[click.SessionID]; ok {
		if sess.FirstClickID == "" {
			sess.FirstClickID = click.ID
		}
		sess.LastClickID = click.ID
		sess.AllClickIDs = append(sess.AllClickIDs, click.ID)
		st.persistSession(sess)
	}

	st.persistClick(&cp)

	st.log.Debug("click recorded",
		log.String("click", click.ID),
		log.String("visitor", click.VisitorID),
		log.String("affiliate", click.AffiliateID))
}

// Click returns a copy of a click window. Reads past ExpiresAt observe
// the click as expired without requiring a background sweep.
func (st *Store) Click(id string, at time.Time) (*core.ClickData, error) {
	st.mu.RLock()
	click, ok := st.clicks[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrClickNotFound
	}
	cp := *click
	if !cp.Converted && cp.Expired(at) {
		return &cp, ErrClickExpired
	}
	return &cp, nil
}

// Session returns a copy of a session by id.
func (st *Store) Session(id string) (*core.SessionData, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	return st.snapshotSessionLocked(sess), true
}

// SessionForVisitor returns a copy of the visitor's session.
func (st *Store) SessionForVisitor(visitorID string) (*core.SessionData, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sessID, ok := st.byVisitor[visitorID]
	if !ok {
		return nil, false
	}
	sess, ok := st.sessions[sessID]
	if !ok {
		return nil, false
	}
	return st.snapshotSessionLocked(sess), true
}

// VisitorClicks returns copies of the visitor's click windows in
// original append order.
func (st *Store) VisitorClicks(visitorID string) []*core.ClickData {
	st.mu.RLock()
	defer st.mu.RUnlock()

	clickIDs := st.visitorClicks[visitorID]
	out := make([]*core.ClickData, 0, len(clickIDs))
	for _, id := range clickIDs {
		if click, ok := st.clicks[id]; ok {
			cp := *click
			out = append(out, &cp)
		}
	}
	return out
}

// MarkConverted records the first (and only) conversion against a
// click. The transition is a compare-and-set under the visitor lock:
// exactly one of N concurrent attempts succeeds, the rest observe
// ErrClickConverted.
func (st *Store) MarkConverted(clickID, conversionID string, convType core.EventType, at time.Time) error {
	st.mu.RLock()
	click, ok := st.clicks[clickID]
	st.mu.RUnlock()
	if !ok {
		return ErrClickNotFound
	}

	l := st.visitorLock(click.VisitorID)
	l.Lock()
	defer l.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	click, ok = st.clicks[clickID]
	if !ok {
		return ErrClickNotFound
	}
	if click.Converted {
		return ErrClickConverted
	}
	if click.Expired(at) {
		return ErrClickExpired
	}

	click.Converted = true
	click.ConversionID = conversionID
	click.ConversionType = convType
	click.ConversionTime = at

	st.persistClick(click)
	return nil
}

// Reap purges clicks whose window closed more than the retention period
// ago, and drops sessions once none of their clicks remain live.
// Returns the number of clicks removed.
func (st *Store) Reap(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := now.Add(-st.retention)
	removed := 0

	for visitorID, clickIDs := range st.visitorClicks {
		kept := clickIDs[:0]
		for _, id := range clickIDs {
			click, ok := st.clicks[id]
			if ok && click.ExpiresAt.Before(cutoff) {
				delete(st.clicks, id)
				if st.db != nil {
					st.db.DeleteClick(id)
				}
				removed++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(st.visitorClicks, visitorID)
			if sessID, ok := st.byVisitor[visitorID]; ok {
				delete(st.sessions, sessID)
				delete(st.byVisitor, visitorID)
			}
		} else {
			st.visitorClicks[visitorID] = kept
		}
	}

	if removed > 0 {
		st.log.Info("reaped expired clicks", log.Int("count", removed))
	}
	return removed
}

// Counts returns the number of live sessions and open clicks.
func (st *Store) Counts() (sessions, clicks int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions), len(st.clicks)
}

func (st *Store) snapshotSessionLocked(sess *core.SessionData) *core.SessionData {
	cp := *sess
	cp.EventIDs = append([]string(nil), sess.EventIDs...)
	cp.AllClickIDs = append([]string(nil), sess.AllClickIDs...)
	return &cp
}

func (st *Store) persistSession(sess *core.SessionData) {
	if st.db == nil {
		return
	}
	if err := st.db.PutSession(sess); err != nil {
		st.log.Warn("session snapshot failed", log.String("session", sess.ID), log.Error(err))
	}
}

func (st *Store) persistClick(click *core.ClickData) {
	if st.db == nil {
		return
	}
	if err := st.db.PutClick(click); err != nil {
		st.log.Warn("click snapshot failed", log.String("click", click.ID), log.Error(err))
	}
}
