package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		check   func(t *testing.T, e *Event)
	}{
		{
			name:    "full event",
			payload: `{"eventType":"FULL_STORE","applicationName":"iam","username":"alice","correlationId":"c-1","eventName":"LOGIN","eventBody":{"ip":"10.0.0.1"},"timestamp":"2024-05-01T10:00:00Z"}`,
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, EventTypeFullStore, e.EventType)
				assert.Equal(t, "iam", e.ApplicationName)
				assert.Equal(t, "alice", e.Username)
				assert.Equal(t, "c-1", e.CorrelationID)
				assert.Equal(t, "LOGIN", e.EventName)
				assert.Equal(t, "10.0.0.1", e.EventBody["ip"])
				assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), e.Timestamp.UTC())
			},
		},
		{
			name:    "producer id is discarded and timestamp defaulted",
			payload: `{"id":"forged","token":9,"eventType":"DB_STORE"}`,
			check: func(t *testing.T, e *Event) {
				assert.Empty(t, e.ID)
				assert.Zero(t, e.Token)
				assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)
			},
		},
		{
			name:    "unknown event type is kept verbatim",
			payload: `{"eventType":"SOMETHING_NEW"}`,
			check: func(t *testing.T, e *Event) {
				assert.Equal(t, EventType("SOMETHING_NEW"), e.EventType)
				assert.False(t, e.EventType.IsKnown())
			},
		},
		{name: "empty", payload: "  ", wantErr: true},
		{name: "not json", payload: "eventType=DB_STORE", wantErr: true},
		{name: "missing event type", payload: `{"applicationName":"iam"}`, wantErr: true},
		{name: "body is not an object", payload: `{"eventType":"DB_STORE","eventBody":"text"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Decode([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrDecodeFailure)
				return
			}
			require.NoError(t, err)
			tt.check(t, e)
		})
	}
}

func TestEventType_IsKnown(t *testing.T) {
	for _, et := range []EventType{EventTypeFullStore, EventTypeDBStore, EventTypeFileStore, EventTypeError} {
		assert.True(t, et.IsKnown(), et)
	}
	assert.False(t, EventType("").IsKnown())
	assert.False(t, EventType("full_store").IsKnown())
}

func TestNewLocalID_Distinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e := &Event{EventType: EventTypeFileStore}
		e.NewLocalID()
		_, err := uuid.Parse(e.ID)
		require.NoError(t, err)
		require.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}

func TestJSONLine(t *testing.T) {
	e := &Event{
		ID:              "id-1",
		EventType:       EventTypeFullStore,
		ApplicationName: "iam",
		EventBody:       Body{"text": "line one\nline two"},
		Timestamp:       time.Now().UTC(),
	}
	line, err := e.JSONLine()
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")

	var back Event
	require.NoError(t, json.Unmarshal(line, &back))
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, "line one\nline two", back.EventBody["text"])
}

func TestClone_IsDeep(t *testing.T) {
	e := &Event{ID: "1", EventBody: Body{"datos": map[string]any{"idUsuario": 1.0}, "list": []any{"a"}}}
	cp := e.Clone()

	cp.EventBody["datos"].(map[string]any)["idUsuario"] = 2.0
	cp.EventBody["list"].([]any)[0] = "b"

	assert.Equal(t, 1.0, e.EventBody["datos"].(map[string]any)["idUsuario"])
	assert.Equal(t, "a", e.EventBody["list"].([]any)[0])
	assert.Nil(t, (*Event)(nil).Clone())
}

func TestBodyAccessors(t *testing.T) {
	b := Body{
		"s":      "text",
		"f":      3.0,
		"frac":   3.5,
		"i64":    int64(7),
		"i32":    int32(8),
		"numstr": "42",
		"nested": map[string]any{"k": "v"},
		"null":   nil,
	}

	s, err := b.String("s")
	require.NoError(t, err)
	assert.Equal(t, "text", s)

	_, err = b.String("f")
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = b.String("absent")
	assert.ErrorIs(t, err, ErrFieldMissing)

	for key, want := range map[string]int64{"f": 3, "i64": 7, "i32": 8, "numstr": 42} {
		got, err := b.Int(key)
		require.NoError(t, err, key)
		assert.Equal(t, want, got, key)
	}
	_, err = b.Int("frac")
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = b.Int("s")
	assert.ErrorIs(t, err, ErrFieldType)

	m, err := b.Map("nested")
	require.NoError(t, err)
	assert.Equal(t, "v", m["k"])
	_, err = b.Map("s")
	assert.ErrorIs(t, err, ErrFieldType)

	assert.True(t, b.Has("null"))
	assert.False(t, b.Has("absent"))

	var nilBody Body
	_, err = nilBody.String("x")
	assert.ErrorIs(t, err, ErrFieldMissing)
}

func TestBodyDetail(t *testing.T) {
	b := Body{"datos": map[string]any{"idUsuario": 15.0, "telefono": "5512345678"}}
	ref, ok := b.Detail()
	require.True(t, ok)
	assert.Equal(t, DetailRef{UserID: 15, Phone: "5512345678"}, ref)

	_, ok = Body{"datos": "plain text"}.Detail()
	assert.False(t, ok)
	_, ok = Body{}.Detail()
	assert.False(t, ok)
}

func TestNotificationFromEvent(t *testing.T) {
	ts := time.Now().UTC()
	tests := []struct {
		name    string
		event   *Event
		want    Notification
		wantErr string
	}{
		{
			name: "well formed",
			event: &Event{Username: "bob", Timestamp: ts, EventBody: Body{
				"notificaFacultad": "Loan Approved",
				"datos":            "Loan #123 approved",
			}},
			want: Notification{Username: "bob", Title: "Loan Approved", Message: "Loan #123 approved", Timestamp: ts},
		},
		{
			name:    "missing title",
			event:   &Event{Username: "bob", EventBody: Body{"datos": "x"}},
			wantErr: "notificaFacultad",
		},
		{
			name:    "message not a string",
			event:   &Event{Username: "bob", EventBody: Body{"notificaFacultad": "t", "datos": map[string]any{"a": 1}}},
			wantErr: "datos",
		},
		{
			name:    "nil body",
			event:   &Event{Username: "bob"},
			wantErr: "notificaFacultad",
		},
		{
			name:    "no username",
			event:   &Event{EventBody: Body{"notificaFacultad": "t", "datos": "m"}},
			wantErr: "username",
		},
		{name: "nil event", wantErr: "nil event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NotificationFromEvent(tt.event)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedNotificationBody)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotificationVisibleTo(t *testing.T) {
	n := Notification{Username: "bob"}
	assert.True(t, n.VisibleTo("bob"))
	assert.True(t, n.VisibleTo(""))
	assert.False(t, n.VisibleTo("alice"))
	assert.True(t, Notification{Username: "*"}.VisibleTo("alice"))
}

func TestEventQuery(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	e := &Event{EventName: "LOGIN_OK", Username: "Alice", Timestamp: now.Add(-48 * time.Hour)}

	tests := []struct {
		name  string
		query EventQuery
		want  bool
	}{
		{"no filters", EventQuery{}, true},
		{"exact name", EventQuery{EventName: "LOGIN_OK"}, true},
		{"exact name is case sensitive", EventQuery{EventName: "login_ok"}, false},
		{"contains name", EventQuery{EventName: "%login%"}, true},
		{"contains user", EventQuery{Username: "%ali%"}, true},
		{"user mismatch", EventQuery{Username: "bob"}, false},
		{"within week", EventQuery{Period: PeriodWeek}, true},
		{"outside day", EventQuery{Period: PeriodDay}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Matches(e, now))
		})
	}

	q := EventQuery{Page: -2, Size: 10000}.Normalize()
	assert.Equal(t, 0, q.Page)
	assert.Equal(t, MaxPageSize, q.Size)
	assert.Equal(t, DefaultPageSize, EventQuery{}.Normalize().Size)
	assert.Equal(t, 40, EventQuery{Page: 2, Size: 20}.Offset())

	huge := EventQuery{Page: 500000000000000000, Size: 20}.Normalize()
	assert.LessOrEqual(t, huge.Offset(), MaxOffset)
	assert.GreaterOrEqual(t, huge.Offset(), 0)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod(" Week ")
	require.NoError(t, err)
	assert.Equal(t, PeriodWeek, p)

	p, err = ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, PeriodNone, p)
	assert.True(t, p.Since(time.Now()).IsZero())

	_, err = ParsePeriod("fortnight")
	assert.Error(t, err)
}

func TestParseTextFilter(t *testing.T) {
	_, ok := ParseTextFilter("")
	assert.False(t, ok)

	f, ok := ParseTextFilter("%")
	require.True(t, ok)
	assert.False(t, f.Contains)

	f, _ = ParseTextFilter("%Prest%")
	assert.True(t, f.Match("SOLICITUD_PRESTAMO"))
	assert.False(t, f.Match(strings.Repeat("x", 3)))
}

func TestNewEventPage(t *testing.T) {
	p := NewEventPage(nil, EventQuery{Page: 1, Size: 20}, 41)
	assert.NotNil(t, p.Events)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, int64(41), p.Total)
}
