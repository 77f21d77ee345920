package lounge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPairingURL = "https://www.youtube.com/api/lounge/pairing/get_screen"
	defaultBindURL    = "https://www.youtube.com/api/lounge/bc/bind"

	// Ordinary requests finish quickly; the backward channel is held open
	// by the server until it has events to deliver.
	requestTimeout = 30 * time.Second
	pollTimeout    = 3 * time.Minute
)

// Remote commands understood by a paired screen
const (
	cmdAddVideo = "addVideo"
	cmdSetVideo = "setVideo"
)

// Screen holds the durable credentials obtained from pairing-code resolution
type Screen struct {
	ScreenID    string
	LoungeToken string
	Name        string
}

// Client issues requests against the Lounge API. It is stateless; the
// per-screen counters and channel identifiers live on the Manager's
// session records.
type Client struct {
	pairingURL string
	bindURL    string
	remoteName string
	httpClient *http.Client
	pollClient *http.Client
}

// NewClient creates a new Lounge API client. remoteName is the name the
// screen displays for this remote.
func NewClient(remoteName string) *Client {
	return &Client{
		pairingURL: defaultPairingURL,
		bindURL:    defaultBindURL,
		remoteName: remoteName,
		httpClient: &http.Client{Timeout: requestTimeout},
		pollClient: &http.Client{Timeout: pollTimeout},
	}
}

// ResolveScreen exchanges a pairing code for durable screen credentials
func (c *Client) ResolveScreen(pairingCode string) (*Screen, error) {
	resp, err := c.httpClient.Get(c.pairingURL + "?pairing_code=" + url.QueryEscape(pairingCode))
	if err != nil {
		return nil, fmt.Errorf("pairing request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairing response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pairing request failed (status %d): %s", resp.StatusCode, string(body))
	}

	return parseScreen(body)
}

// channelParams builds the query parameters shared by bind and command
// requests against the bound channel path.
func (c *Client) channelParams(screen Screen, rid int) url.Values {
	return url.Values{
		"device":        {"REMOTE_CONTROL"},
		"name":          {c.remoteName},
		"id":            {screen.ScreenID},
		"loungeIdToken": {screen.LoungeToken},
		"VER":           {"8"},
		"RID":           {strconv.Itoa(rid)},
	}
}

// Bind opens a fresh channel for the screen and returns its identifiers.
// SID is mandatory; gsession may be empty.
func (c *Client) Bind(screen Screen, rid int) (sid, gsession string, err error) {
	body, err := c.postChannel(c.channelParams(screen, rid), url.Values{"count": {"0"}})
	if err != nil {
		return "", "", err
	}
	return parseBind(body)
}

// SendCommand issues one command against an already-bound channel
func (c *Client) SendCommand(screen Screen, sid, gsession string, rid, aid, ofs int, command, videoID string) error {
	params := c.channelParams(screen, rid)
	params.Set("SID", sid)
	params.Set("AID", strconv.Itoa(aid))
	if gsession != "" {
		params.Set("gsessionid", gsession)
	}

	data := url.Values{
		"count":        {"1"},
		"ofs":          {strconv.Itoa(ofs)},
		"req0__sc":     {command},
		"req0_videoId": {videoID},
	}
	if command == cmdSetVideo {
		data.Set("req0_currentTime", "0")
	}

	_, err := c.postChannel(params, data)
	return err
}

// Poll issues the backward-channel long poll. It blocks until the server
// delivers events, the long-poll timeout elapses, or ctx is cancelled.
func (c *Client) Poll(ctx context.Context, sid, gsession string, aid int) ([]byte, error) {
	params := url.Values{
		"device": {"REMOTE_CONTROL"},
		"name":   {c.remoteName},
		"VER":    {"8"},
		"CI":     {"0"},
		"TYPE":   {"xmlhttp"},
		"RID":    {"rpc"},
		"SID":    {sid},
		"AID":    {strconv.Itoa(aid)},
	}
	if gsession != "" {
		params.Set("gsessionid", gsession)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.bindURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll request failed (status %d)", resp.StatusCode)
	}

	return body, nil
}

func (c *Client) postChannel(params, data url.Values) ([]byte, error) {
	req, err := http.NewRequest("POST", c.bindURL+"?"+params.Encode(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lounge request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lounge request failed (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
