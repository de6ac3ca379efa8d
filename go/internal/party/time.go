package party

import (
	"context"

	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
)

type pingParams struct {
	ClientTimeMs *int64 `json:"client_time_ms"`
}

// PongResult answers time.ping.
type PongResult struct {
	ClientTimeMs int64 `json:"client_time_ms"`
	ServerTimeMs int64 `json:"server_time_ms"`
	NTPSynced    bool  `json:"ntp_synced"`
}

// Ping echoes the client's timestamp next to the synced server time so the
// client can estimate its own offset and round trip.
func (s *Service) Ping(ctx context.Context, call rpc.Call) (*rpc.Response, error) {
	var p pingParams
	if err := call.DecodeParams(&p); err != nil {
		return nil, err
	}
	if p.ClientTimeMs == nil {
		return nil, rpc.InvalidParams("client_time_ms is required")
	}

	return rpc.NewResult(call.ID, PongResult{
		ClientTimeMs: *p.ClientTimeMs,
		ServerTimeMs: s.clock.NowMillis(),
		NTPSynced:    s.clock.IsSynced(),
	}), nil
}
