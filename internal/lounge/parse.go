package lounge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// parseScreen decodes a pairing-code resolution response. screenId and
// loungeToken are required to ever talk to the screen again, so their
// absence is an error.
func parseScreen(body []byte) (*Screen, error) {
	var payload struct {
		Screen struct {
			ScreenID    string `json:"screenId"`
			LoungeToken string `json:"loungeToken"`
			ScreenName  string `json:"screenName"`
		} `json:"screen"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse pairing response: %w", err)
	}
	if payload.Screen.ScreenID == "" || payload.Screen.LoungeToken == "" {
		return nil, fmt.Errorf("pairing response missing screen credentials")
	}
	return &Screen{
		ScreenID:    payload.Screen.ScreenID,
		LoungeToken: payload.Screen.LoungeToken,
		Name:        payload.Screen.ScreenName,
	}, nil
}

// parseBind extracts the channel identifiers from a bind response. The
// response is a sequence of lines carrying bracketed tuples; the
// ["c","<SID>",...] tuple is mandatory, ["S","<gsessionid>"] is optional.
func parseBind(body []byte) (sid, gsession string, err error) {
	for _, line := range strings.Split(string(body), "\n") {
		if sid == "" {
			sid = quotedAfter(line, `["c","`)
		}
		if gsession == "" {
			gsession = quotedAfter(line, `["S","`)
		}
	}
	if sid == "" {
		return "", "", fmt.Errorf("bind response missing channel SID")
	}
	return sid, gsession, nil
}

// quotedAfter returns the quoted value directly following marker, or ""
func quotedAfter(line, marker string) string {
	idx := strings.Index(line, marker)
	if idx == -1 {
		return ""
	}
	rest := line[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return ""
	}
	return rest[:end]
}

// maxEventID scans a poll response for the highest event sequence number
// across all bracketed tuples. Events are not guaranteed to appear in
// increasing order within a batch. ok is false when no tuple carries a
// parseable sequence number; the caller must then leave its counter alone
// rather than guess.
func maxEventID(body []byte) (max int, ok bool) {
	for _, line := range strings.Split(string(body), "\n") {
		for _, marker := range []string{"[[", ",["} {
			rest := line
			for {
				idx := strings.Index(rest, marker)
				if idx == -1 {
					break
				}
				rest = rest[idx+len(marker):]
				if n, err := leadingInt(rest); err == nil && (!ok || n > max) {
					max, ok = n, true
				}
			}
		}
	}
	return max, ok
}

// leadingInt parses the digits at the start of s
func leadingInt(s string) (int, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("no leading digits")
	}
	return strconv.Atoi(s[:end])
}
