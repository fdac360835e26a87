package stream

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// StreamKey identifies one transcoding session: a media source plus the
// profile it is transcoded with. Two requests with the same key share one
// transcoding process.
type StreamKey struct {
	Source  string
	Profile string
}

// ID returns a stable hex identifier for the key, usable in URLs and logs.
func (k StreamKey) ID() string {
	sum := md5.Sum([]byte(k.Source + "|" + k.Profile))
	return hex.EncodeToString(sum[:])
}

func (k StreamKey) String() string {
	return k.Source + " (" + k.Profile + ")"
}

// State is the lifecycle state of a stream handle.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final. Terminal handles are never
// discoverable in the registry.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// StreamInfo is a point-in-time view of one registry entry, exposed for
// observability. This also matches the JSON shape of the snapshot endpoint.
type StreamInfo struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Profile        string    `json:"profile"`
	State          string    `json:"state"`
	Consumers      int       `json:"consumers"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
