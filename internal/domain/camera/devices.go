package camera

import (
	"strings"

	"github.com/okian/presence/internal/domain/media"
)

var (
	frontHints = []string{"front", "user", "selfie", "facetime", "integrated"}
	backHints  = []string{"back", "rear", "environment", "world"}
)

// LabelFacing guesses the facing of a device from its label.
func LabelFacing(label string) (media.Facing, bool) {
	l := strings.ToLower(label)
	if l == "" {
		return "", false
	}
	for _, h := range frontHints {
		if strings.Contains(l, h) {
			return media.FacingFront, true
		}
	}
	for _, h := range backHints {
		if strings.Contains(l, h) {
			return media.FacingBack, true
		}
	}
	return "", false
}

// ResolveDevice picks the index of the device best matching facing.
// A label match wins; otherwise front-like requests take the first device
// and back-like requests the last one. It returns -1 for an empty list.
func ResolveDevice(devices []media.Device, facing media.Facing) int {
	if len(devices) == 0 {
		return -1
	}
	for i, d := range devices {
		if f, ok := LabelFacing(d.Label); ok && f == facing {
			return i
		}
	}
	if facing == media.FacingFront {
		return 0
	}
	return len(devices) - 1
}

func indexOf(devices []media.Device, id string) int {
	if id == "" {
		return -1
	}
	for i, d := range devices {
		if d.ID == id {
			return i
		}
	}
	return -1
}
