package ops

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alphabet is the 64-character digit set used for stamps. It is in ASCII
// order, so fixed-width stamps compare correctly as strings.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz~"

const (
	epoch    = 1262304000 // 2010-01-01T00:00:00Z
	secWidth = 5
	seqWidth = 2
	seqLimit = 1 << (6 * seqWidth)
)

// Clock issues strictly increasing version tokens for one source.
type Clock struct {
	mu     sync.Mutex
	source string
	now    func() time.Time
	sec    int64
	seq    int64
}

// NewClock returns a clock for source. A nil now uses time.Now.
func NewClock(source string, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{
		source: source,
		now:    now,
		sec:    -1,
	}
}

// NewSession returns an author~session source with a random session part.
func NewSession(author string) string {
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	return author + "~" + session[:8]
}

// Source returns the source stamped on every issued version.
func (c *Clock) Source() string {
	return c.source
}

// Issue returns a new version token greater than every token issued or
// seen before.
func (c *Clock) Issue() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec := c.now().Unix() - epoch
	if sec < 0 {
		sec = 0
	}
	if sec > c.sec {
		c.sec, c.seq = sec, 0
	} else {
		c.seq++
		if c.seq >= seqLimit {
			c.sec, c.seq = c.sec+1, 0
		}
	}
	return encodeStamp(c.sec, c.seq) + "+" + c.source
}

// See advances the clock past a remote version so later local versions
// order after it.
func (c *Clock) See(version string) {
	stamp, _ := SplitVersion(version)
	sec, seq, ok := decodeStamp(stamp)
	if !ok {
		return
	}
	c.mu.Lock()
	if sec > c.sec || sec == c.sec && seq > c.seq {
		c.sec, c.seq = sec, seq
	}
	c.mu.Unlock()
}

// StampTime returns the wall-clock second encoded in a version token.
func StampTime(version string) (time.Time, bool) {
	stamp, _ := SplitVersion(version)
	sec, _, ok := decodeStamp(stamp)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec+epoch, 0).UTC(), true
}

func encodeStamp(sec, seq int64) string {
	var buf [secWidth + seqWidth]byte
	for i := secWidth - 1; i >= 0; i-- {
		buf[i] = Alphabet[sec&63]
		sec >>= 6
	}
	for i := secWidth + seqWidth - 1; i >= secWidth; i-- {
		buf[i] = Alphabet[seq&63]
		seq >>= 6
	}
	return string(buf[:])
}

func decodeStamp(stamp string) (sec, seq int64, ok bool) {
	if len(stamp) != secWidth+seqWidth {
		return 0, 0, false
	}
	for i := 0; i < len(stamp); i++ {
		d := strings.IndexByte(Alphabet, stamp[i])
		if d < 0 {
			return 0, 0, false
		}
		if i < secWidth {
			sec = sec<<6 | int64(d)
		} else {
			seq = seq<<6 | int64(d)
		}
	}
	return sec, seq, true
}
