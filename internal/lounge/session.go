package lounge

import (
	"context"
	"time"
)

// Status represents the connection state of one paired screen
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// session tracks the protocol state for one paired screen. All fields are
// guarded by the Manager's mutex; the poll worker owns no state of its own.
type session struct {
	status Status
	errMsg string // set only while status == StatusError

	screen Screen

	sid      string // channel id ("SID"), empty until bind completes
	gsession string // group session id ("gsessionid"), optional

	rid int // outbound request counter ("RID"), strictly increasing
	aid int // highest event sequence number seen ("AID")
	ofs int // commands sent on the current channel ("ofs")

	lastActivity time.Time
	cancel       context.CancelFunc
}

// nextRID reserves the next outbound request counter value. The counter is
// never reused within the session's lifetime. Caller must hold the
// Manager's mutex.
func (s *session) nextRID() int {
	s.rid++
	return s.rid
}
