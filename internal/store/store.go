// Package store persists the durable pairing credentials for each room so
// a restarted process can rebind its screens without a new pairing code.
package store

import "errors"

// ErrNotFound is returned by Load when no credentials exist for a key
var ErrNotFound = errors.New("credentials not found")

// Credentials are the durable fields obtained from pairing-code
// resolution. They are written together after a successful pairing and
// cleared together on disconnect.
type Credentials struct {
	ScreenID    string `json:"screenId" bson:"screenId"`
	LoungeToken string `json:"loungeToken" bson:"loungeToken"`
	ScreenName  string `json:"screenName" bson:"screenName"`
}

// Store saves, loads and clears credentials per logical session key
type Store interface {
	Save(key string, creds Credentials) error
	Load(key string) (Credentials, error)
	Clear(key string) error
}
