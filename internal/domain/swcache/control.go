package swcache

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ControlType enumerates the messages applications send to the caching layer.
type ControlType string

const (
	ControlSkipWaiting ControlType = "skip-waiting"
	ControlClearCache  ControlType = "clear-cache"
	ControlCacheSize   ControlType = "cache-size"
	ControlInvalidate  ControlType = "invalidate"
)

type ControlMessage struct {
	Type ControlType `json:"type"`
	// Pattern is a regular expression over TTL cache keys, used by invalidate.
	Pattern string `json:"pattern,omitempty"`
}

type ControlResult struct {
	Type    ControlType `json:"type"`
	Success bool        `json:"success"`
	Size    int         `json:"size,omitempty"`
	Removed int         `json:"removed,omitempty"`
	Version string      `json:"version,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (m ControlMessage) Validate() error {
	switch m.Type {
	case ControlSkipWaiting, ControlClearCache, ControlCacheSize:
		return nil
	case ControlInvalidate:
		if strings.TrimSpace(m.Pattern) == "" {
			return fmt.Errorf("%w: invalidate requires a pattern", ErrInvalidControl)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidControl, m.Type)
}

func DecodeControlMessage(raw []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	msg.Type = ControlType(strings.ToLower(strings.TrimSpace(string(msg.Type))))
	if err := msg.Validate(); err != nil {
		return ControlMessage{}, err
	}
	return msg, nil
}
