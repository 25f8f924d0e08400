// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/log"
)

func testEvent(id, visitorID string, typ core.EventType, at time.Time) *core.TrackingEvent {
	return &core.TrackingEvent{
		ID:        id,
		Type:      typ,
		Timestamp: at,
		VisitorID: visitorID,
		Context: core.EventContext{
			URL:       "https://example.com",
			UserAgent: "ua",
			IP:        "203.0.113.7",
			Timestamp: at,
		},
	}
}

func testClick(id, visitorID, sessionID string, at time.Time, window time.Duration) *core.ClickData {
	return &core.ClickData{
		ID:          id,
		Timestamp:   at,
		AffiliateID: "aff_1",
		CampaignID:  "camp_1",
		SessionID:   sessionID,
		VisitorID:   visitorID,
		ExpiresAt:   at.Add(window),
	}
}

func TestTouchCreatesAndReusesSession(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	sess := st.Touch(testEvent("evt_1", "vis_1", core.EventVisit, now))
	require.NotEmpty(sess.ID)
	require.Equal("vis_1", sess.VisitorID)
	require.Equal(1, sess.PageViews)

	again := st.Touch(testEvent("evt_2", "vis_1", core.EventVisit, now.Add(time.Minute)))
	require.Equal(sess.ID, again.ID)
	require.Equal(2, again.PageViews)
	require.Equal(now.Add(time.Minute), again.LastActivityTime)
	require.Equal(time.Minute, again.TimeOnSite())
}

func TestTouchIdempotentPerEvent(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	evt := testEvent("evt_1", "vis_1", core.EventVisit, now)
	first := st.Touch(evt)
	second := st.Touch(evt)

	require.Equal(first.PageViews, second.PageViews)
	require.Equal(first.EventIDs, second.EventIDs)
}

func TestTouchDoesNotCountConversionsAsPageViews(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	st.Touch(testEvent("evt_1", "vis_1", core.EventVisit, now))
	sess := st.Touch(testEvent("evt_2", "vis_1", core.EventPurchase, now.Add(time.Minute)))
	require.Equal(1, sess.PageViews)
}

func TestRecordClickTracksOrder(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	sess := st.Touch(testEvent("evt_1", "vis_1", core.EventClick, now))

	st.RecordClick(testClick("clk_1", "vis_1", sess.ID, now, time.Hour))
	st.RecordClick(testClick("clk_2", "vis_1", sess.ID, now.Add(time.Minute), time.Hour))
	st.RecordClick(testClick("clk_2", "vis_1", sess.ID, now.Add(time.Minute), time.Hour)) // duplicate ignored

	clicks := st.VisitorClicks("vis_1")
	require.Len(clicks, 2)
	require.Equal("clk_1", clicks[0].ID)
	require.Equal("clk_2", clicks[1].ID)

	updated, ok := st.Session(sess.ID)
	require.True(ok)
	require.Equal("clk_1", updated.FirstClickID)
	require.Equal("clk_2", updated.LastClickID)
	require.Equal([]string{"clk_1", "clk_2"}, updated.AllClickIDs)
}

func TestClickLazyExpiry(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	st.RecordClick(testClick("clk_1", "vis_1", "", now, time.Hour))

	_, err := st.Click("clk_1", now.Add(30*time.Minute))
	require.NoError(err)

	// No sweep ran, yet a read after the window observes expiry.
	click, err := st.Click("clk_1", now.Add(2*time.Hour))
	require.ErrorIs(err, ErrClickExpired)
	require.NotNil(click)

	_, err = st.Click("clk_missing", now)
	require.ErrorIs(err, ErrClickNotFound)
}

func TestMarkConvertedOnce(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	st.RecordClick(testClick("clk_1", "vis_1", "", now, time.Hour))

	require.NoError(st.MarkConverted("clk_1", "evt_c1", core.EventPurchase, now.Add(time.Minute)))

	err := st.MarkConverted("clk_1", "evt_c2", core.EventPurchase, now.Add(2*time.Minute))
	require.ErrorIs(err, ErrClickConverted)

	click, err := st.Click("clk_1", now.Add(time.Minute))
	require.NoError(err)
	require.True(click.Converted)
	require.Equal("evt_c1", click.ConversionID)
}

func TestMarkConvertedExpiredWindow(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	st.RecordClick(testClick("clk_1", "vis_1", "", now, time.Hour))

	err := st.MarkConverted("clk_1", "evt_c1", core.EventPurchase, now.Add(2*time.Hour))
	require.ErrorIs(err, ErrClickExpired)
}

func TestMarkConvertedConcurrentSingleWinner(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 0, log.NoOp())

	now := time.Now()
	st.RecordClick(testClick("clk_1", "vis_1", "", now, time.Hour))

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.MarkConverted("clk_1", fmt.Sprintf("evt_%d", i), core.EventPurchase, now.Add(time.Minute))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(err, ErrClickConverted)
		}
	}
	require.Equal(1, wins, "exactly one concurrent conversion may win the click")
}

func TestReap(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, time.Hour, log.NoOp())

	now := time.Now()
	sess := st.Touch(testEvent("evt_1", "vis_old", core.EventClick, now.Add(-72*time.Hour)))
	st.RecordClick(testClick("clk_old", "vis_old", sess.ID, now.Add(-72*time.Hour), time.Hour))
	st.RecordClick(testClick("clk_live", "vis_live", "", now, time.Hour))

	removed := st.Reap(now)
	require.Equal(1, removed)

	_, err := st.Click("clk_old", now)
	require.ErrorIs(err, ErrClickNotFound)
	_, err = st.Click("clk_live", now)
	require.NoError(err)

	_, ok := st.Session(sess.ID)
	require.False(ok, "session with no live clicks is dropped")

	sessions, clicks := st.Counts()
	require.Equal(0, sessions)
	require.Equal(1, clicks)
}

func TestReapKeepsRecentlyExpired(t *testing.T) {
	require := require.New(t)
	st := NewStore(nil, 24*time.Hour, log.NoOp())

	now := time.Now()
	st.RecordClick(testClick("clk_1", "vis_1", "", now.Add(-2*time.Hour), time.Hour))

	// Expired one hour ago but inside retention: kept for audit reads.
	require.Equal(0, st.Reap(now))
	_, err := st.Click("clk_1", now)
	require.ErrorIs(err, ErrClickExpired)
}
