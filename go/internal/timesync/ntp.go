package timesync

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// NTPSource queries a single NTP server.
type NTPSource struct {
	Server  string
	Timeout time.Duration
	Version int
}

// NewNTPSources builds one NTPSource per server address.
func NewNTPSources(servers []string, timeout time.Duration) []Source {
	sources := make([]Source, 0, len(servers))
	for _, server := range servers {
		sources = append(sources, &NTPSource{
			Server:  server,
			Timeout: timeout,
			Version: 3,
		})
	}
	return sources
}

func (s *NTPSource) Name() string {
	return s.Server
}

// Query asks the server for the local clock offset and round-trip delay.
func (s *NTPSource) Query(ctx context.Context) (time.Duration, time.Duration, error) {
	timeout := s.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout || timeout == 0 {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0, 0, fmt.Errorf("query %s: %w", s.Server, context.DeadlineExceeded)
	}

	resp, err := ntp.QueryWithOptions(s.Server, ntp.QueryOptions{
		Timeout: timeout,
		Version: s.Version,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("query %s: %w", s.Server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, 0, fmt.Errorf("invalid response from %s: %w", s.Server, err)
	}

	return resp.ClockOffset, resp.RTT, nil
}
