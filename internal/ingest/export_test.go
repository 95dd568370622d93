package ingest

import "time"

// SetFollowPoll shortens the Follow poll interval in tests.
func SetFollowPoll(s *Service, d time.Duration) { s.followPoll = d }
