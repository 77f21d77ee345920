// Package lounge pairs the server with streaming-TV screens over the
// vendor's long-poll Lounge protocol and lets it queue or play videos on
// them remotely.
package lounge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nighlabs/songify-sub000/internal/store"
)

// StatusChangeHandler is called after a session's status changes
type StatusChangeHandler func(key string, status Status, screenName, errMsg string)

// Manager owns the mapping from logical session key (one per room) to its
// paired-screen session and coordinates the per-session poll workers. All
// methods are safe for concurrent use.
type Manager struct {
	client *Client
	store  store.Store

	mu       sync.Mutex
	sessions map[string]*session

	onStatusChange StatusChangeHandler

	// Tunables, lowered by tests
	inactivityTimeout time.Duration
	pollRetryBudget   int
	backoffBase       time.Duration
}

// NewManager creates a session manager backed by the given transport
// client and credential store
func NewManager(client *Client, credStore store.Store) *Manager {
	return &Manager{
		client:            client,
		store:             credStore,
		sessions:          make(map[string]*session),
		inactivityTimeout: 30 * time.Minute,
		pollRetryBudget:   3,
		backoffBase:       2 * time.Second,
	}
}

// SetStatusChangeHandler sets the callback fired on every status transition
func (m *Manager) SetStatusChangeHandler(handler StatusChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = handler
}

// Pair exchanges a pairing code for screen credentials, binds a channel
// and starts the poll worker. Any existing session for the key is torn
// down first, so re-pairing never needs an explicit disconnect.
func (m *Manager) Pair(key, pairingCode string) error {
	sess := &session{status: StatusConnecting, lastActivity: time.Now()}

	m.mu.Lock()
	if prev, ok := m.sessions[key]; ok && prev.cancel != nil {
		prev.cancel()
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	screen, err := m.client.ResolveScreen(pairingCode)
	if err != nil {
		m.setStatus(key, sess, StatusError, fmt.Sprintf("pairing failed: %v", err))
		return fmt.Errorf("failed to resolve pairing code: %w", err)
	}

	m.mu.Lock()
	sess.screen = *screen
	m.mu.Unlock()

	// Persist before binding so a restarted process can reconnect without
	// a new pairing code. Persistence failure is not fatal.
	creds := store.Credentials{
		ScreenID:    screen.ScreenID,
		LoungeToken: screen.LoungeToken,
		ScreenName:  screen.Name,
	}
	if err := m.store.Save(key, creds); err != nil {
		log.Printf("Lounge: Failed to persist credentials for %s: %v", key, err)
	}

	return m.bindAndStart(key, sess)
}

// Disconnect stops the session's worker, forgets the session and clears
// the persisted credentials. It is a no-op when the key was never paired.
func (m *Manager) Disconnect(key string) {
	m.mu.Lock()
	sess, ok := m.sessions[key]
	var screenName string
	if ok {
		if sess.cancel != nil {
			sess.cancel()
		}
		screenName = sess.screen.Name
		delete(m.sessions, key)
	}
	handler := m.onStatusChange
	m.mu.Unlock()

	if err := m.store.Clear(key); err != nil {
		log.Printf("Lounge: Failed to clear credentials for %s: %v", key, err)
	}
	if ok {
		log.Printf("Lounge: %s disconnected from %q", key, screenName)
		if handler != nil {
			handler(key, StatusDisconnected, screenName, "")
		}
	}
}

// Reconnect rebinds a channel for the key, replacing any existing session.
// When no session is held in memory (e.g. after a restart) the durable
// credentials are loaded from the store, so no new pairing code is needed.
func (m *Manager) Reconnect(key string) error {
	m.mu.Lock()
	prev, ok := m.sessions[key]
	var screen Screen
	if ok {
		if prev.cancel != nil {
			prev.cancel()
		}
		screen = prev.screen
	}
	m.mu.Unlock()

	// A record from a failed pairing has no credentials; fall back to the
	// store as if it were absent
	if !ok || screen.ScreenID == "" {
		creds, err := m.store.Load(key)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no credentials stored for %s", key)
		}
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}
		screen = Screen{
			ScreenID:    creds.ScreenID,
			LoungeToken: creds.LoungeToken,
			Name:        creds.ScreenName,
		}
	}

	// A fresh record: channel identifiers and counters all restart
	sess := &session{status: StatusConnecting, screen: screen, lastActivity: time.Now()}
	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	return m.bindAndStart(key, sess)
}

// Status reports the connection state for a key. When no session is held
// in memory but durable credentials survive (process restart), it reports
// an error status so callers can offer a reconnect.
func (m *Manager) Status(key string) (Status, string, string) {
	m.mu.Lock()
	if sess, ok := m.sessions[key]; ok {
		status, name, msg := sess.status, sess.screen.Name, sess.errMsg
		m.mu.Unlock()
		return status, name, msg
	}
	m.mu.Unlock()

	if creds, err := m.store.Load(key); err == nil {
		return StatusError, creds.ScreenName, "connection lost"
	}
	return StatusDisconnected, "", ""
}

// IsConnected reports whether the key currently has a bound channel
func (m *Manager) IsConnected(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	return ok && sess.status == StatusConnected
}

// SendAddVideo queues a video on the paired screen. Keys without a
// connected screen are a silent no-op: linking a TV is optional and its
// absence must not fail the caller.
func (m *Manager) SendAddVideo(key, videoID string) error {
	return m.sendCommand(key, cmdAddVideo, videoID)
}

// SendPlayNow starts playing a video immediately on the paired screen.
// Like SendAddVideo, it is a no-op without a connected screen.
func (m *Manager) SendPlayNow(key, videoID string) error {
	return m.sendCommand(key, cmdSetVideo, videoID)
}

func (m *Manager) sendCommand(key, command, videoID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[key]
	if !ok || sess.status != StatusConnected {
		m.mu.Unlock()
		return nil
	}
	screen := sess.screen
	sid, gsession := sess.sid, sess.gsession
	rid := sess.nextRID()
	aid, ofs := sess.aid, sess.ofs
	m.mu.Unlock()

	if err := m.client.SendCommand(screen, sid, gsession, rid, aid, ofs, command, videoID); err != nil {
		// A single failed command does not tear down the channel
		return fmt.Errorf("failed to send %s: %w", command, err)
	}

	m.mu.Lock()
	sess.ofs++
	sess.lastActivity = time.Now()
	m.mu.Unlock()
	return nil
}

// bindAndStart performs the channel bind for sess and, on success, marks
// it connected and starts its poll worker. sess must already be registered
// under key.
func (m *Manager) bindAndStart(key string, sess *session) error {
	m.mu.Lock()
	sess.sid = ""
	sess.gsession = ""
	screen := sess.screen
	rid := sess.nextRID()
	m.mu.Unlock()

	sid, gsession, err := m.client.Bind(screen, rid)
	if err != nil {
		m.setStatus(key, sess, StatusError, fmt.Sprintf("bind failed: %v", err))
		return fmt.Errorf("failed to bind channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.sessions[key] != sess {
		// Superseded by a concurrent Pair/Reconnect/Disconnect while we
		// were binding; that operation owns the key's worker now
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("session for %s was replaced during bind", key)
	}
	sess.sid = sid
	sess.gsession = gsession
	sess.lastActivity = time.Now()
	sess.cancel = cancel
	m.mu.Unlock()

	m.setStatus(key, sess, StatusConnected, "")
	log.Printf("Lounge: %s connected to %q (SID %s)", key, screen.Name, sid)

	go m.pollLoop(ctx, key, sess)
	return nil
}

// pollLoop is the backward channel for one session. It runs until the
// session is cancelled, stays inactive past the timeout, or exhausts its
// poll retry budget. The registry lock is never held across a poll.
func (m *Manager) pollLoop(ctx context.Context, key string, sess *session) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		idle := time.Since(sess.lastActivity)
		sid, gsession := sess.sid, sess.gsession
		aid := sess.aid
		m.mu.Unlock()

		if idle > m.inactivityTimeout {
			log.Printf("Lounge: %s idle for %v, closing channel", key, idle.Round(time.Second))
			m.setStatus(key, sess, StatusError, fmt.Sprintf("disconnected after %v of inactivity", m.inactivityTimeout))
			return
		}

		body, err := m.client.Poll(ctx, sid, gsession, aid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= m.pollRetryBudget {
				log.Printf("Lounge: %s poll failed %d times, giving up: %v", key, failures, err)
				m.setStatus(key, sess, StatusError, fmt.Sprintf("lost connection after %d failed polls: %v", failures, err))
				return
			}
			delay := m.backoffBase << (failures - 1)
			log.Printf("Lounge: %s poll error (attempt %d/%d), retrying in %v: %v", key, failures, m.pollRetryBudget, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		m.mu.Lock()
		// A response without a parseable event id is still a successful
		// poll; AID only ever moves forward.
		if id, ok := maxEventID(body); ok && id > sess.aid {
			sess.aid = id
		}
		sess.lastActivity = time.Now()
		m.mu.Unlock()
	}
}

// setStatus records a status transition under the lock and fires the
// status-change handler outside it. Callers must not hold the lock.
func (m *Manager) setStatus(key string, sess *session, status Status, errMsg string) {
	m.mu.Lock()
	sess.status = status
	sess.errMsg = errMsg
	screenName := sess.screen.Name
	handler := m.onStatusChange
	m.mu.Unlock()

	if handler != nil {
		handler(key, status, screenName, errMsg)
	}
}
