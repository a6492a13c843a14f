package comm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherHandleQuery(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	require.NoError(t, d.RegisterInbound(InboundParseFilter, func(req *InboundRequest) (interface{}, error) {
		var expr string
		if err := req.Field("data", &expr); err != nil {
			return nil, err
		}
		if expr == "boom" {
			return nil, errors.New("bad filter")
		}
		return "parsed:" + expr, nil
	}))

	tests := []struct {
		name     string
		jsonType protocol.JSONType
		body     string
		wantCode protocol.ErrorCode
		wantBody string
	}{
		{"wrong json type", protocol.JSONCrudAlert, `[]`, protocol.CodeInvalidRequest, ""},
		{"empty body", protocol.JSONQueryWeb, "\x00", protocol.CodeInvalidRequest, ""},
		{"object body", protocol.JSONQueryWeb, `{"type":"currtime"}`, protocol.CodeInvalidRequest, ""},
		{"malformed json", protocol.JSONQueryWeb, `[{`, protocol.CodeServerError, ""},
		{"handler failure", protocol.JSONQueryWeb, `[{"type":"parsefilter","id":"f1","data":"boom"}]`, protocol.CodeServerError, ""},
		{
			"currtime and filter",
			protocol.JSONQueryWeb,
			`[{"type":"currtime","id":"c1"},{"type":"parsefilter","id":2,"data":"x > 1"}]`,
			protocol.CodeSuccess,
			`{"data":[{"id":"c1","data":{"time":"2024-03-01T10:00:00Z","time_t":1709287200}},{"id":2,"data":"parsed:x > 1"}]}`,
		},
		{
			"skips unusable entries",
			protocol.JSONQueryWeb,
			`[1,"s",{"id":"no-type"},{"type":"currtime"},{"type":"unknown","id":"u"}]`,
			protocol.CodeSuccess,
			`{"data":[]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := d.HandleQuery(tt.jsonType, []byte(tt.body))
			assert.Equal(t, tt.wantCode, code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, string(body))
			}
			if code != protocol.CodeSuccess {
				var e struct {
					Error  int    `json:"error"`
					ErrMsg string `json:"errmsg"`
				}
				require.NoError(t, json.Unmarshal(body, &e))
				assert.Equal(t, int(code), e.Error)
				assert.NotEmpty(t, e.ErrMsg)
			}
		})
	}
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	require.NoError(t, d.RegisterInbound(InboundParseFilter, func(*InboundRequest) (interface{}, error) {
		panic("filter exploded")
	}))

	code, _ := d.HandleQuery(protocol.JSONQueryWeb, []byte(`[{"type":"parsefilter","id":"f"}]`))
	assert.Equal(t, protocol.CodeServerError, code)

	require.NoError(t, d.RegisterEvent(EventAlertAction, func(*Event) { panic("handler exploded") }))
	assert.False(t, d.HandleEvent([]byte(`{"etype":"action"}`)))
}

func TestDispatcherHandleEvent(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var got []*Event
	require.NoError(t, d.RegisterEvent(EventAlertAction, func(ev *Event) { got = append(got, ev) }))

	tests := []struct {
		body string
		want bool
	}{
		{``, false},
		{`not json`, false},
		{`[1,2]`, false},
		{`{"no":"etype"}`, false},
		{`{"etype":7}`, false},
		{`{"etype":"other"}`, false},
		{`{"etype":"action","id":"a1"}` + "\x00", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, d.HandleEvent([]byte(tt.body)), "body %q", tt.body)
	}
	require.Len(t, got, 1)
	assert.Equal(t, EventAlertAction, got[0].Kind)
	assert.JSONEq(t, `{"etype":"action","id":"a1"}`, string(got[0].Raw))
}

func TestDispatcherRegistrationValidation(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	assert.ErrorIs(t, d.RegisterInbound(InboundUnknown, func(*InboundRequest) (interface{}, error) { return nil, nil }), ErrUnknownKind)
	assert.ErrorIs(t, d.RegisterInbound(InboundCurrTime, nil), ErrUnknownKind)
	assert.ErrorIs(t, d.RegisterEvent(EventUnknown, func(*Event) {}), ErrUnknownKind)

	assert.Equal(t, InboundCurrTime, ParseInboundKind("currtime"))
	assert.Equal(t, InboundUnknown, ParseInboundKind("nope"))
	assert.Equal(t, "parsefilter", InboundParseFilter.String())
	assert.Equal(t, EventAlertAction, ParseEventKind("action"))
	assert.Equal(t, "action", EventAlertAction.String())
}
