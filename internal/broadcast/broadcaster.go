package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/metrics"
)

// Frame is one annotated snapshot plus its metadata, sequenced per camera.
type Frame struct {
	JPEG []byte
	Meta Metadata
	Seq  uint64
}

// Viewer is one subscriber's mailbox. It holds at most one frame: when a
// viewer falls behind, the pending frame is replaced by the newer one, so a
// slow consumer sees fewer frames but always recent ones.
type Viewer struct {
	mailbox chan *Frame
}

func newViewer() *Viewer {
	return &Viewer{mailbox: make(chan *Frame, 1)}
}

// Frames yields frames as they become available. The channel is never
// closed by the broadcaster; stop reading after Unsubscribe.
func (v *Viewer) Frames() <-chan *Frame {
	return v.mailbox
}

// offer places f in the mailbox, replacing an unread frame if one is
// pending. It reports whether a pending frame was discarded.
func (v *Viewer) offer(f *Frame) bool {
	select {
	case v.mailbox <- f:
		return false
	default:
	}
	// Mailbox full: drop the stale frame and put the fresh one in.
	dropped := false
	select {
	case <-v.mailbox:
		dropped = true
	default:
	}
	select {
	case v.mailbox <- f:
	default:
	}
	return dropped
}

// Broadcaster fans one camera's frames out to any number of viewers.
// Publish never blocks on a viewer.
type Broadcaster struct {
	cameraID uuid.UUID

	mu      sync.RWMutex
	viewers map[*Viewer]struct{}

	latest       atomic.Pointer[Frame]
	seq          atomic.Uint64
	dropped      atomic.Uint64
	lastActivity atomic.Int64
}

func NewBroadcaster(cameraID uuid.UUID) *Broadcaster {
	b := &Broadcaster{
		cameraID: cameraID,
		viewers:  make(map[*Viewer]struct{}),
	}
	b.touch()
	return b
}

func (b *Broadcaster) CameraID() uuid.UUID { return b.cameraID }

// Publish assigns the next sequence number and delivers the frame to every
// viewer's mailbox. It returns the assigned sequence number.
func (b *Broadcaster) Publish(jpeg []byte, meta Metadata) uint64 {
	f := &Frame{
		JPEG: jpeg,
		Meta: meta,
		Seq:  b.seq.Add(1),
	}
	b.latest.Store(f)
	b.touch()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for v := range b.viewers {
		if v.offer(f) {
			b.dropped.Add(1)
			metrics.FramesDroppedTotal.Inc()
		}
	}
	return f.Seq
}

// Subscribe registers a viewer. The latest published frame, if any, is
// delivered immediately so new viewers do not wait out a full capture
// interval before seeing anything.
func (b *Broadcaster) Subscribe() *Viewer {
	v := newViewer()
	if f := b.latest.Load(); f != nil {
		v.offer(f)
	}

	b.mu.Lock()
	b.viewers[v] = struct{}{}
	b.mu.Unlock()
	b.touch()
	return v
}

func (b *Broadcaster) Unsubscribe(v *Viewer) {
	b.mu.Lock()
	delete(b.viewers, v)
	b.mu.Unlock()
	b.touch()
}

func (b *Broadcaster) ViewerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

// Latest returns the most recent published frame, or nil.
func (b *Broadcaster) Latest() *Frame {
	return b.latest.Load()
}

// FrameCount is the number of frames published so far.
func (b *Broadcaster) FrameCount() uint64 {
	return b.seq.Load()
}

// DroppedFrames counts frames that replaced an unread mailbox entry.
func (b *Broadcaster) DroppedFrames() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) LastActivity() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

func (b *Broadcaster) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}
