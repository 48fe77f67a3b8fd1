package reqsink

import (
	"strconv"
	"time"
)

func timeToMillisString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func millisStringToTime(s string) (time.Time, error) {
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}
