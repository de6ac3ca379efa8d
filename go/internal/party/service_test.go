package party

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CucumberKing/nye.countdown/go/internal/geo"
	"github.com/CucumberKing/nye.countdown/go/internal/rpc"
	"github.com/CucumberKing/nye.countdown/go/internal/session"
)

const fixedMillis int64 = 1798761599000

type fixedClock struct{ synced bool }

func (c fixedClock) NowMillis() int64 { return fixedMillis }
func (c fixedClock) IsSynced() bool { return c.synced }

type fakeLocator struct {
	loc   geo.Location
	ok    bool
	calls int
}

func (f *fakeLocator) Resolve(ctx context.Context, lat, lon float64) (geo.Location, bool) {
	f.calls++
	return f.loc, f.ok
}

type inbox struct {
	mu       sync.Mutex
	messages []json.RawMessage
}

func (i *inbox) Send(ctx context.Context, data []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, append(json.RawMessage(nil), data...))
	return nil
}

func (i *inbox) Close() error { return nil }

func (i *inbox) received() []json.RawMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]json.RawMessage(nil), i.messages...)
}

type harness struct {
	dispatcher *rpc.Dispatcher
	registry   *session.Registry
	locator    *fakeLocator
	sender     string
	senderBox  *inbox
	otherBox   *inbox
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dispatcher: rpc.NewDispatcher(nil),
		registry:   session.NewRegistry(nil),
		locator:    &fakeLocator{},
		senderBox:  &inbox{},
		otherBox:   &inbox{},
	}
	h.sender = h.registry.Connect(h.senderBox)
	h.registry.Connect(h.otherBox)

	NewService(fixedClock{synced: true}, h.registry, h.locator, DefaultContent()).Register(h.dispatcher)
	return h
}

func (h *harness) call(t *testing.T, raw string) map[string]any {
	t.Helper()
	resp := h.dispatcher.Dispatch(context.Background(), []byte(raw), h.sender)
	require.NotNil(t, resp)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func errorCode(t *testing.T, resp map[string]any) int {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	require.True(t, ok, "expected error response, got %v", resp)
	return int(e["code"].(float64))
}

func TestPing(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"jsonrpc":"2.0","method":"time.ping","params":{"client_time_ms":1234567890123},"id":1}`)

	require.Equal(t, map[string]any{
		"client_time_ms": float64(1234567890123),
		"server_time_ms": float64(fixedMillis),
		"ntp_synced":     true,
	}, resp["result"])
	require.Empty(t, h.otherBox.received())
}

func TestPing_InvalidParams(t *testing.T) {
	for _, params := range []string{`{}`, `{"client_time_ms":"now"}`, `{"client_time_ms":1.5}`} {
		h := newHarness(t)
		resp := h.call(t, `{"method":"time.ping","params":`+params+`,"id":1}`)
		require.Equal(t, rpc.CodeInvalidParams, errorCode(t, resp), "params %s", params)
	}
}

func TestSendReaction_BroadcastsToEveryoneIncludingSender(t *testing.T) {
	for _, emoji := range DefaultContent().Emojis {
		t.Run(emoji, func(t *testing.T) {
			h := newHarness(t)

			resp := h.call(t, `{"method":"reaction.send","params":{"emoji":"`+emoji+`"},"id":"r1"}`)
			require.Equal(t, "r1", resp["id"])
			require.Equal(t, map[string]any{"success": true}, resp["result"])

			expected := `{"jsonrpc":"2.0","method":"reaction.broadcast","params":{"emoji":"` + emoji + `","from_location":null,"ts":1798761599000}}`
			for _, box := range []*inbox{h.senderBox, h.otherBox} {
				got := box.received()
				require.Len(t, got, 1)
				require.JSONEq(t, expected, string(got[0]))
			}
		})
	}
}

func TestSendReaction_CarriesSenderLocation(t *testing.T) {
	h := newHarness(t)
	h.registry.UpdateLocation(h.sender, "Berlin, Germany")

	h.call(t, `{"method":"reaction.send","params":{"emoji":"🥂"},"id":1}`)

	got := h.otherBox.received()
	require.Len(t, got, 1)
	require.JSONEq(t,
		`{"jsonrpc":"2.0","method":"reaction.broadcast","params":{"emoji":"🥂","from_location":"Berlin, Germany","ts":1798761599000}}`,
		string(got[0]))
}

func TestSendReaction_RejectsUnknownEmoji(t *testing.T) {
	for _, params := range []string{`{"emoji":"💩"}`, `{"emoji":""}`, `{}`, `{"emoji":5}`} {
		h := newHarness(t)
		resp := h.call(t, `{"method":"reaction.send","params":`+params+`,"id":1}`)
		require.Equal(t, rpc.CodeInvalidParams, errorCode(t, resp), "params %s", params)
		require.Empty(t, h.senderBox.received())
		require.Empty(t, h.otherBox.received())
	}
}

func TestSendGreeting_ResolvedLocation(t *testing.T) {
	h := newHarness(t)
	h.locator.loc = geo.Location{City: "Sydney", Country: "Australia"}
	h.locator.ok = true

	resp := h.call(t, `{"method":"greeting.send","params":{"lat":-33.87,"lon":151.21,"template":1},"id":2}`)
	require.Equal(t, map[string]any{"success": true, "location": "Sydney, Australia"}, resp["result"])

	expected := `{"jsonrpc":"2.0","method":"greeting.broadcast","params":{"text":"Cheers from Sydney, Australia!","location":"Sydney, Australia","ts":1798761599000}}`
	for _, box := range []*inbox{h.senderBox, h.otherBox} {
		got := box.received()
		require.Len(t, got, 1)
		require.JSONEq(t, expected, string(got[0]))
	}

	sess, ok := h.registry.Get(h.sender)
	require.True(t, ok)
	require.Equal(t, "Sydney, Australia", sess.Location)
}

func TestSendGreeting_FallsBackWhenGeocodingFails(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"method":"greeting.send","params":{"lat":0,"lon":0},"id":3}`)
	require.Equal(t, map[string]any{"success": true, "location": FallbackLocation}, resp["result"])

	got := h.otherBox.received()
	require.Len(t, got, 1)
	require.JSONEq(t,
		`{"jsonrpc":"2.0","method":"greeting.broadcast","params":{"text":"Happy New Year from somewhere on Earth!","location":"somewhere on Earth","ts":1798761599000}}`,
		string(got[0]))
}

func TestSendGreeting_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{name: "lat too high", params: `{"lat":91,"lon":0}`},
		{name: "lat too low", params: `{"lat":-90.5,"lon":0}`},
		{name: "lon too high", params: `{"lat":0,"lon":181}`},
		{name: "lon too low", params: `{"lat":0,"lon":-180.01}`},
		{name: "missing lat", params: `{"lon":0}`},
		{name: "template out of range", params: `{"lat":0,"lon":0,"template":3}`},
		{name: "negative template", params: `{"lat":0,"lon":0,"template":-1}`},
		{name: "lat not a number", params: `{"lat":"north","lon":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp := h.call(t, `{"method":"greeting.send","params":`+tt.params+`,"id":1}`)
			require.Equal(t, rpc.CodeInvalidParams, errorCode(t, resp))
			require.Empty(t, h.otherBox.received())
			require.Zero(t, h.locator.calls)
		})
	}
}

func TestSendGreeting_BoundaryCoordinatesAreValid(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, `{"method":"greeting.send","params":{"lat":-90,"lon":180,"template":2},"id":1}`)
	require.Equal(t, map[string]any{"success": true, "location": FallbackLocation}, resp["result"])
}

func TestSendGreeting_SenderGoneDoesNotResurrect(t *testing.T) {
	h := newHarness(t)
	h.registry.Disconnect(h.sender)

	resp := h.call(t, `{"method":"greeting.send","params":{"lat":1,"lon":1},"id":1}`)
	require.NotNil(t, resp["result"])

	_, ok := h.registry.Get(h.sender)
	require.False(t, ok)
	require.Len(t, h.otherBox.received(), 1)
}

func TestCustomContent(t *testing.T) {
	registry := session.NewRegistry(nil)
	box := &inbox{}
	id := registry.Connect(box)
	d := rpc.NewDispatcher(nil)
	NewService(fixedClock{}, registry, &fakeLocator{}, Content{
		Emojis:            []string{"🦄"},
		GreetingTemplates: []string{"Greetings from {location}"},
	}).Register(d)

	resp := d.Dispatch(context.Background(), []byte(`{"method":"reaction.send","params":{"emoji":"🎉"},"id":1}`), id)
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)

	resp = d.Dispatch(context.Background(), []byte(`{"method":"reaction.send","params":{"emoji":"🦄"},"id":2}`), id)
	require.Nil(t, resp.Error)

	resp = d.Dispatch(context.Background(), []byte(`{"method":"greeting.send","params":{"lat":1,"lon":1,"template":1},"id":3}`), id)
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestNotificationStillBroadcasts(t *testing.T) {
	h := newHarness(t)

	resp := h.dispatcher.Dispatch(context.Background(), []byte(`{"method":"reaction.send","params":{"emoji":"✨"}}`), h.sender)
	require.Nil(t, resp)
	require.Len(t, h.otherBox.received(), 1)
}
