package research

import (
	"strings"
)

type Mode string

const (
	ModeMain  Mode = "main"
	ModeSpin  Mode = "spin"
	ModeThink Mode = "think"
)

const (
	DefaultMaxDepth = 3
	MinDepth        = 1
	MaxDepth        = 5
)

// ParseMode accepts the mode names case-insensitively. An empty string is
// ModeMain.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeMain:
		return ModeMain, true
	case ModeSpin:
		return ModeSpin, true
	case ModeThink:
		return ModeThink, true
	default:
		return "", false
	}
}

// Rounds is the number of related-link rounds run after the primary page.
func (m Mode) Rounds(maxDepth int) int {
	if m == ModeSpin || maxDepth <= 1 {
		return 0
	}
	return min(maxDepth, MaxDepth) - 1
}

// MaxLinks caps how many related links one round follows.
func (m Mode) MaxLinks() int {
	if m == ModeThink {
		return 8
	}
	return 5
}

// SearchSeeds is how many extra search hits join the first round.
func (m Mode) SearchSeeds() int {
	if m == ModeThink {
		return 3
	}
	return 0
}

// Request is one research run.
type Request struct {
	RequestID       string
	Mode            Mode
	Prompt          string
	URL             string
	MaxDepth        int
	FeedbackEnabled bool
}

func (r Request) normalized() Request {
	if r.Mode == "" {
		r.Mode = ModeMain
	}
	if r.MaxDepth == 0 {
		r.MaxDepth = DefaultMaxDepth
	}
	r.MaxDepth = max(MinDepth, min(r.MaxDepth, MaxDepth))
	return r
}
