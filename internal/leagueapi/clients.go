// clients.go implements the four concrete feed clients. All follow the same
// shape as the exchange REST client: one resty client with a base URL and
// timeout, one method per documented endpoint, typed response structs for
// only the fields the classifier needs.
package leagueapi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	nhlBaseURL  = "https://api-web.nhle.com"
	nbaBaseURL  = "https://cdn.nba.com"
	mlbBaseURL  = "https://statsapi.mlb.com"
	espnBaseURL = "https://site.api.espn.com"

	feedTimeout = 8 * time.Second
)

func newFeedHTTP(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(feedTimeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond)
}

// ————————————————————————————————————————————————————————————————————————
// NHL — api-web.nhle.com/v1/gamecenter/{id}/play-by-play
// ————————————————————————————————————————————————————————————————————————

type NHLClient struct {
	http     *resty.Client
	throttle *throttle
	seen     *seenSet
}

func NewNHLClient(politeGap time.Duration) *NHLClient {
	return &NHLClient{http: newFeedHTTP(nhlBaseURL), throttle: newThrottle(politeGap), seen: newSeenSet()}
}

type nhlPlayByPlay struct {
	Plays []struct {
		EventID     int    `json:"eventId"`
		TypeDescKey string `json:"typeDescKey"` // "goal", "penalty", ...
		Details     struct {
			EventOwnerTeamID int `json:"eventOwnerTeamId"`
		} `json:"details"`
	} `json:"plays"`
	HomeTeam struct {
		ID     int    `json:"id"`
		Abbrev string `json:"abbrev"`
	} `json:"homeTeam"`
	AwayTeam struct {
		ID     int    `json:"id"`
		Abbrev string `json:"abbrev"`
	} `json:"awayTeam"`
}

func (c *NHLClient) RecentEvents(ctx context.Context, gameID string, since time.Time) ([]GameEvent, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	var pbp nhlPlayByPlay
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&pbp).
		Get(fmt.Sprintf("/v1/gamecenter/%s/play-by-play", gameID))
	if err != nil {
		return nil, fmt.Errorf("nhl play-by-play: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("nhl play-by-play: status %d", resp.StatusCode())
	}

	now := time.Now()
	var out []GameEvent
	for _, p := range pbp.Plays {
		if p.TypeDescKey != "goal" {
			continue
		}
		team := pbp.HomeTeam.Abbrev
		if p.Details.EventOwnerTeamID == pbp.AwayTeam.ID {
			team = pbp.AwayTeam.Abbrev
		}
		// NHL plays carry no wallclock; stamp with first observation.
		at, _ := c.seen.observe(gameID, strconv.Itoa(p.EventID), now)
		if at.Before(since) {
			continue
		}
		out = append(out, GameEvent{
			ID:          strconv.Itoa(p.EventID),
			GameID:      gameID,
			League:      LeagueNHL,
			Team:        team,
			Description: "goal",
			At:          at,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// NBA — cdn.nba.com/static/json/liveData/playbyplay/playbyplay_{id}.json
// ————————————————————————————————————————————————————————————————————————

type NBAClient struct {
	http     *resty.Client
	throttle *throttle
	seen     *seenSet
}

func NewNBAClient(politeGap time.Duration) *NBAClient {
	return &NBAClient{http: newFeedHTTP(nbaBaseURL), throttle: newThrottle(politeGap), seen: newSeenSet()}
}

type nbaPlayByPlay struct {
	Game struct {
		Actions []struct {
			ActionNumber int    `json:"actionNumber"`
			ActionType   string `json:"actionType"` // "2pt", "3pt", "freethrow", ...
			ShotResult   string `json:"shotResult"` // "Made" / "Missed"
			TeamTricode  string `json:"teamTricode"`
			TimeActual   string `json:"timeActual"` // RFC3339 wallclock
			Description  string `json:"description"`
		} `json:"actions"`
	} `json:"game"`
}

func (c *NBAClient) RecentEvents(ctx context.Context, gameID string, since time.Time) ([]GameEvent, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	var pbp nbaPlayByPlay
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&pbp).
		Get(fmt.Sprintf("/static/json/liveData/playbyplay/playbyplay_%s.json", gameID))
	if err != nil {
		return nil, fmt.Errorf("nba play-by-play: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("nba play-by-play: status %d", resp.StatusCode())
	}

	now := time.Now()
	var out []GameEvent
	for _, a := range pbp.Game.Actions {
		scoring := (a.ActionType == "2pt" || a.ActionType == "3pt" || a.ActionType == "freethrow") &&
			a.ShotResult == "Made"
		if !scoring {
			continue
		}
		at := now
		if ts, err := time.Parse(time.RFC3339, a.TimeActual); err == nil {
			at = ts
		}
		first, _ := c.seen.observe(gameID, strconv.Itoa(a.ActionNumber), at)
		if first.Before(since) {
			continue
		}
		out = append(out, GameEvent{
			ID:          strconv.Itoa(a.ActionNumber),
			GameID:      gameID,
			League:      LeagueNBA,
			Team:        a.TeamTricode,
			Description: a.Description,
			At:          first,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// MLB — statsapi.mlb.com/api/v1.1/game/{pk}/feed/live
// ————————————————————————————————————————————————————————————————————————

type MLBClient struct {
	http     *resty.Client
	throttle *throttle
	seen     *seenSet
}

func NewMLBClient(politeGap time.Duration) *MLBClient {
	return &MLBClient{http: newFeedHTTP(mlbBaseURL), throttle: newThrottle(politeGap), seen: newSeenSet()}
}

type mlbLiveFeed struct {
	LiveData struct {
		Plays struct {
			AllPlays []struct {
				About struct {
					AtBatIndex int    `json:"atBatIndex"`
					EndTime    string `json:"endTime"` // RFC3339
					IsTopInning bool  `json:"isTopInning"`
				} `json:"about"`
				Result struct {
					Event string `json:"event"` // "Home Run", "Single", ...
					RBI   int    `json:"rbi"`
					Description string `json:"description"`
				} `json:"result"`
			} `json:"allPlays"`
		} `json:"plays"`
	} `json:"liveData"`
	GameData struct {
		Teams struct {
			Home struct {
				Abbreviation string `json:"abbreviation"`
			} `json:"home"`
			Away struct {
				Abbreviation string `json:"abbreviation"`
			} `json:"away"`
		} `json:"teams"`
	} `json:"gameData"`
}

func (c *MLBClient) RecentEvents(ctx context.Context, gameID string, since time.Time) ([]GameEvent, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	var feed mlbLiveFeed
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&feed).
		Get(fmt.Sprintf("/api/v1.1/game/%s/feed/live", gameID))
	if err != nil {
		return nil, fmt.Errorf("mlb live feed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("mlb live feed: status %d", resp.StatusCode())
	}

	now := time.Now()
	var out []GameEvent
	for _, p := range feed.LiveData.Plays.AllPlays {
		if p.Result.RBI == 0 {
			continue // only run-scoring plays move moneylines
		}
		// Top of the inning is the away team batting.
		team := feed.GameData.Teams.Home.Abbreviation
		if p.About.IsTopInning {
			team = feed.GameData.Teams.Away.Abbreviation
		}
		at := now
		if ts, err := time.Parse(time.RFC3339, p.About.EndTime); err == nil {
			at = ts
		}
		first, _ := c.seen.observe(gameID, strconv.Itoa(p.About.AtBatIndex), at)
		if first.Before(since) {
			continue
		}
		out = append(out, GameEvent{
			ID:          strconv.Itoa(p.About.AtBatIndex),
			GameID:      gameID,
			League:      LeagueMLB,
			Team:        team,
			Description: p.Result.Event,
			At:          first,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// ESPN — site.api.espn.com/apis/site/v2/sports/{sport}/{league}/summary
// Used for NFL and soccer, and for any league without a dedicated client.
// ————————————————————————————————————————————————————————————————————————

type ESPNClient struct {
	http     *resty.Client
	throttle *throttle
	seen     *seenSet
	sport    string // e.g. "football", "soccer"
	league   string // e.g. "nfl", "eng.1"
}

func NewESPNClient(sport, league string, politeGap time.Duration) *ESPNClient {
	return &ESPNClient{
		http:     newFeedHTTP(espnBaseURL),
		throttle: newThrottle(politeGap),
		seen:     newSeenSet(),
		sport:    sport,
		league:   league,
	}
}

type espnSummary struct {
	ScoringPlays []struct {
		ID   string `json:"id"`
		Team struct {
			Abbreviation string `json:"abbreviation"`
		} `json:"team"`
		Text      string `json:"text"`
		Wallclock string `json:"wallclock"` // RFC3339, present on most feeds
	} `json:"scoringPlays"`
}

func (c *ESPNClient) RecentEvents(ctx context.Context, gameID string, since time.Time) ([]GameEvent, error) {
	if err := c.throttle.wait(ctx); err != nil {
		return nil, err
	}

	var sum espnSummary
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("event", gameID).
		SetResult(&sum).
		Get(fmt.Sprintf("/apis/site/v2/sports/%s/%s/summary", c.sport, c.league))
	if err != nil {
		return nil, fmt.Errorf("espn summary: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("espn summary: status %d", resp.StatusCode())
	}

	now := time.Now()
	var out []GameEvent
	for _, p := range sum.ScoringPlays {
		at := now
		if ts, err := time.Parse(time.RFC3339, p.Wallclock); err == nil {
			at = ts
		}
		first, _ := c.seen.observe(gameID, p.ID, at)
		if first.Before(since) {
			continue
		}
		out = append(out, GameEvent{
			ID:          p.ID,
			GameID:      gameID,
			League:      League(c.league),
			Team:        p.Team.Abbreviation,
			Description: p.Text,
			At:          first,
		})
	}
	return out, nil
}
