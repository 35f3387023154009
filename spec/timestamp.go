package spec

import "time"

// A Timestamp is a Matrix timestamp: milliseconds since the Unix epoch.
type Timestamp int64

// AsTimestamp converts a time.Time into a Matrix timestamp.
func AsTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / 1000000)
}

// Time converts a Matrix timestamp back into a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}
