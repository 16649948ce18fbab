package session

import (
	"strings"

	"github.com/MrWong99/livetutor/pkg/provider/s2s"
)

// turnBuffer accumulates transcription fragments for both sides of the turn
// in progress.
type turnBuffer struct {
	user  strings.Builder
	agent strings.Builder
}

func (b *turnBuffer) add(speaker s2s.Speaker, text string) {
	switch speaker {
	case s2s.SpeakerUser:
		b.user.WriteString(text)
	case s2s.SpeakerAgent:
		b.agent.WriteString(text)
	}
}

// complete returns the finished entries, user first, and resets both sides.
// Sides that are empty after trimming produce no entry.
func (b *turnBuffer) complete() []Entry {
	var out []Entry
	if t := strings.TrimSpace(b.user.String()); t != "" {
		out = append(out, Entry{Speaker: s2s.SpeakerUser, Text: t})
	}
	if t := strings.TrimSpace(b.agent.String()); t != "" {
		out = append(out, Entry{Speaker: s2s.SpeakerAgent, Text: t})
	}
	b.user.Reset()
	b.agent.Reset()
	return out
}

func (b *turnBuffer) pending() (user, agent string) {
	return b.user.String(), b.agent.String()
}
