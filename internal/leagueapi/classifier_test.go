package leagueapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"polyarb/pkg/types"
)

// fakeFeed returns scripted events per poll: call n gets script[min(n, len-1)].
type fakeFeed struct {
	script [][]GameEvent
	calls  int
	err    error
}

func (f *fakeFeed) RecentEvents(ctx context.Context, gameID string, since time.Time) ([]GameEvent, error) {
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if idx < 0 {
		return nil, nil
	}
	var out []GameEvent
	for _, e := range f.script[idx] {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func classify(t *testing.T, feed Feed, shockAt time.Time) Classification {
	t.Helper()
	c := NewClassifier(feed, 5*time.Millisecond, testLogger())
	got, err := c.Classify(context.Background(), "g1", shockAt, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	return got
}

func TestClassifySingleEvent(t *testing.T) {
	shockAt := time.Now()
	goal := GameEvent{ID: "e1", GameID: "g1", Team: "TOR", At: shockAt.Add(-8 * time.Second)}

	got := classify(t, &fakeFeed{script: [][]GameEvent{{goal}}}, shockAt)
	if got.Kind != types.ClassSingleEvent {
		t.Fatalf("kind = %v, want single_event", got.Kind)
	}
	if got.Event == nil || got.Event.Team != "TOR" {
		t.Errorf("event = %+v, want TOR goal", got.Event)
	}
}

func TestClassifyNoise(t *testing.T) {
	got := classify(t, &fakeFeed{script: [][]GameEvent{nil}}, time.Now())
	if got.Kind != types.ClassNoise {
		t.Errorf("kind = %v, want noise", got.Kind)
	}
}

func TestClassifyMultiEvent(t *testing.T) {
	shockAt := time.Now()
	// Two events surface across different polls of the same burst.
	e1 := GameEvent{ID: "e1", GameID: "g1", Team: "TOR", At: shockAt.Add(-10 * time.Second)}
	e2 := GameEvent{ID: "e2", GameID: "g1", Team: "BOS", At: shockAt.Add(-4 * time.Second)}

	got := classify(t, &fakeFeed{script: [][]GameEvent{{e1}, {e1, e2}}}, shockAt)
	if got.Kind != types.ClassMultiEvent {
		t.Errorf("kind = %v, want multi_event", got.Kind)
	}
}

func TestClassifyPreShock(t *testing.T) {
	shockAt := time.Now()
	// The event only became visible well after the price moved — informed
	// flow front-ran the public feed.
	late := GameEvent{ID: "e1", GameID: "g1", Team: "TOR", At: shockAt.Add(12 * time.Second)}

	got := classify(t, &fakeFeed{script: [][]GameEvent{{late}}}, shockAt)
	if got.Kind != types.ClassPreShock {
		t.Errorf("kind = %v, want pre_shock", got.Kind)
	}
}

func TestClassifyToleratesFeedErrorsMidBurst(t *testing.T) {
	shockAt := time.Now()
	feed := &fakeFeed{err: errors.New("feed down")}
	c := NewClassifier(feed, 5*time.Millisecond, testLogger())

	got, err := c.Classify(context.Background(), "g1", shockAt, 15*time.Millisecond)
	if err == nil {
		t.Error("want surfaced error when every poll failed")
	}
	if got.Kind != types.ClassNoise {
		t.Errorf("kind = %v, want noise on total feed failure", got.Kind)
	}
}

func TestESPNClientParsesSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/apis/site/v2/sports/football/nfl/summary" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("event") != "401547999" {
			t.Errorf("unexpected event param %s", r.URL.Query().Get("event"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"scoringPlays": [
				{"id": "p1", "team": {"abbreviation": "KC"}, "text": "touchdown", "wallclock": "2026-01-11T01:23:45Z"},
				{"id": "p2", "team": {"abbreviation": "BUF"}, "text": "field goal", "wallclock": "2026-01-11T01:40:00Z"}
			]
		}`))
	}))
	defer srv.Close()

	c := NewESPNClient("football", "nfl", 0)
	c.http.SetBaseURL(srv.URL)

	since, _ := time.Parse(time.RFC3339, "2026-01-11T01:30:00Z")
	events, err := c.RecentEvents(context.Background(), "401547999", since)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	// p1 predates since and is filtered; p2 passes.
	if len(events) != 1 || events[0].Team != "BUF" {
		t.Fatalf("events = %+v, want one BUF play", events)
	}
}

func TestThrottleSpacesCalls(t *testing.T) {
	th := newThrottle(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	th.wait(ctx)
	th.wait(ctx)
	th.wait(ctx)
	elapsed := time.Since(start)
	if elapsed < 60*time.Millisecond {
		t.Errorf("three calls completed in %v, want >= 60ms of spacing", elapsed)
	}
}
