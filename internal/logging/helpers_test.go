package logging_test

import "time"

func timeDaysAgo(days int) time.Time {
	return time.Now().AddDate(0, 0, -days)
}
