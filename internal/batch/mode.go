package batch

import (
	"fmt"
	"strings"
)

// Mode selects the sink for each processed item.
type Mode string

const (
	// ModeForward relays every item to the requester's delivery target,
	// excluding the anchor item that was already delivered on its own.
	ModeForward Mode = "forward"
	// ModeArchive bundles every item into one ZIP archive.
	ModeArchive Mode = "archive"
	// ModeGroup sends each batch as one grouped message.
	ModeGroup Mode = "group"
)

// ParseMode accepts the canonical names and the legacy aliases feishu, zip
// and photos.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "feishu":
		return ModeForward, nil
	case "archive", "zip":
		return ModeArchive, nil
	case "group", "photos":
		return ModeGroup, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Label is the human name of the mode used in status messages.
func (m Mode) Label() string {
	switch m {
	case ModeForward:
		return "forwarding"
	case ModeArchive:
		return "ZIP packing"
	case ModeGroup:
		return "group sending"
	}
	return string(m)
}
