package session

import (
	"time"

	"github.com/MrWong99/livetutor/pkg/audio"
)

// playbackQueue schedules decoded response chunks back to back on the output
// clock. It is owned by the session loop and needs no locking.
type playbackQueue struct {
	out audio.Output
	// next is the sample frame where the following chunk starts.
	next   int64
	active map[audio.Playback]struct{}
}

func newPlaybackQueue(out audio.Output) *playbackQueue {
	return &playbackQueue{out: out, active: make(map[audio.Playback]struct{})}
}

// enqueue schedules buf at max(next, now) and advances the cursor past its
// last frame.
func (q *playbackQueue) enqueue(buf *audio.Buffer) (audio.Playback, time.Duration, error) {
	rate := buf.SampleRate
	at := max(audio.FrameTime(q.next, rate), q.out.Now())
	pb, err := q.out.Schedule(buf, at)
	if err != nil {
		return nil, 0, err
	}
	q.next = audio.FrameAt(at, rate) + int64(buf.Frames())
	q.active[pb] = struct{}{}
	return pb, at, nil
}

// finished untracks a playback that ended on its own.
func (q *playbackQueue) finished(pb audio.Playback) {
	delete(q.active, pb)
}

// interrupt stops every tracked playback and resets the cursor so the next
// chunk starts at the current clock time.
func (q *playbackQueue) interrupt() int {
	n := len(q.active)
	for pb := range q.active {
		pb.Stop()
	}
	clear(q.active)
	q.next = 0
	return n
}

func (q *playbackQueue) len() int { return len(q.active) }
