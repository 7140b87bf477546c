package schema

import (
	"strconv"
	"time"
)

// ticksPerSecond is the timetoken resolution: timetokens count 100ns ticks since the unix epoch.
const ticksPerSecond = 10_000_000

// Cursor marks the resume point in a subscription stream.
// A zero Timetoken means "latest": the service issues a fresh cursor on the next poll.
type Cursor struct {
	Timetoken uint64 `json:"t"`
	// Region is the routing hint issued with the timetoken; zero means no hint.
	Region uint32 `json:"r,omitempty"`
}

// IsZero reports whether the cursor carries no position.
func (c Cursor) IsZero() bool {
	return c.Timetoken == 0
}

// Advance returns the cursor that follows c after a successful poll returning next.
// Timetokens never move backwards; the region always follows the service.
func (c Cursor) Advance(next Cursor) Cursor {
	if next.Timetoken < c.Timetoken {
		return Cursor{Timetoken: c.Timetoken, Region: next.Region}
	}
	return next
}

// Time converts the timetoken to wall-clock time.
func (c Cursor) Time() time.Time {
	if c.Timetoken == 0 {
		return time.Time{}
	}
	secs := int64(c.Timetoken / ticksPerSecond)
	nanos := int64(c.Timetoken%ticksPerSecond) * 100
	return time.Unix(secs, nanos).UTC()
}

// Age reports how far behind now the cursor position is. Zero cursors have no age.
func (c Cursor) Age(now time.Time) time.Duration {
	if c.IsZero() {
		return 0
	}
	age := now.Sub(c.Time())
	if age < 0 {
		return 0
	}
	return age
}

func (c Cursor) String() string {
	if c.Region == 0 {
		return strconv.FormatUint(c.Timetoken, 10)
	}
	return strconv.FormatUint(c.Timetoken, 10) + "@" + strconv.FormatUint(uint64(c.Region), 10)
}

// TimetokenFromTime converts wall-clock time into a timetoken.
func TimetokenFromTime(t time.Time) uint64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return 0
	}
	return uint64(t.UnixNano() / 100)
}

// ParseTimetoken parses the decimal string form used on the wire.
func ParseTimetoken(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
