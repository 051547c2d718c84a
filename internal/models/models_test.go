package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "22:00", want: 22 * 60},
		{in: "07:30:45", want: 7*60 + 30},
		{in: " 00:05 ", want: 5},
		{in: "24:00", wantErr: true},
		{in: "7pm", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimeOfDay_JSON(t *testing.T) {
	q := QuietHours{Start: MustTimeOfDay("22:00"), End: MustTimeOfDay("07:00")}
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"start":"22:00","end":"07:00"}` {
		t.Errorf("Marshal() = %s", data)
	}

	var back QuietHours
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back != q {
		t.Errorf("Unmarshal() = %+v, want %+v", back, q)
	}
	if err := json.Unmarshal([]byte(`{"start":"late"}`), &back); err == nil {
		t.Error("Unmarshal() accepted an invalid time of day")
	}
}

func TestQuietHours_Contains(t *testing.T) {
	overnight := QuietHours{Start: MustTimeOfDay("22:00"), End: MustTimeOfDay("07:00")}
	daytime := QuietHours{Start: MustTimeOfDay("12:00"), End: MustTimeOfDay("13:00")}

	tests := []struct {
		name  string
		q     QuietHours
		at    string
		quiet bool
	}{
		{name: "overnight start is quiet", q: overnight, at: "22:00", quiet: true},
		{name: "overnight before midnight", q: overnight, at: "23:30", quiet: true},
		{name: "overnight after midnight", q: overnight, at: "03:00", quiet: true},
		{name: "overnight end is allowed", q: overnight, at: "07:00", quiet: false},
		{name: "overnight midday", q: overnight, at: "12:00", quiet: false},
		{name: "daytime inside", q: daytime, at: "12:30", quiet: true},
		{name: "daytime end is allowed", q: daytime, at: "13:00", quiet: false},
		{name: "daytime before", q: daytime, at: "11:59", quiet: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Contains(MustTimeOfDay(tt.at)); got != tt.quiet {
				t.Errorf("Contains(%s) = %v, want %v", tt.at, got, tt.quiet)
			}
		})
	}
}

func validCampaign() *Campaign {
	return &Campaign{
		Name:         "June launch",
		Channel:      ChannelSMS,
		Message:      "Hi {first_name}",
		ThrottleRate: 10,
		ThrottleUnit: ThrottleUnitMinute,
		TimeZone:     "Africa/Nairobi",
		Audience:     AudienceSelector{Method: AudienceAll},
		FollowUps: []FollowUpStep{
			{Ordinal: 0, DelayDays: 1, Message: "again", Condition: ConditionNoReply},
		},
	}
}

func TestCampaign_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Campaign)
		wantCode string
	}{
		{name: "valid", mutate: func(c *Campaign) {}},
		{name: "missing name", mutate: func(c *Campaign) { c.Name = "" }, wantCode: CodeInvalidInput},
		{name: "bad channel", mutate: func(c *Campaign) { c.Channel = "push" }, wantCode: CodeInvalidInput},
		{name: "zero rate", mutate: func(c *Campaign) { c.ThrottleRate = 0 }, wantCode: CodeInvalidThrottleRate},
		{name: "bad unit", mutate: func(c *Campaign) { c.ThrottleUnit = "week" }, wantCode: CodeInvalidInput},
		{
			name:     "empty quiet window",
			mutate:   func(c *Campaign) { c.QuietHours = &QuietHours{Start: 600, End: 600} },
			wantCode: CodeInvalidQuietHoursWindow,
		},
		{name: "unknown zone", mutate: func(c *Campaign) { c.TimeZone = "Mars/Olympus" }, wantCode: CodeInvalidInput},
		{name: "gap in ordinals", mutate: func(c *Campaign) { c.FollowUps[0].Ordinal = 1 }, wantCode: CodeInvalidInput},
		{name: "bad condition", mutate: func(c *Campaign) { c.FollowUps[0].Condition = "maybe" }, wantCode: CodeInvalidInput},
		{name: "negative delay", mutate: func(c *Campaign) { c.FollowUps[0].DelayHours = -1 }, wantCode: CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCampaign()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			var appErr *AppError
			if !errors.As(err, &appErr) || appErr.Code != tt.wantCode {
				t.Errorf("Validate() error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestCampaign_Steps(t *testing.T) {
	c := validCampaign()
	c.Subject = "Default subject"
	c.FollowUps = append(c.FollowUps, FollowUpStep{Ordinal: 1, DelayHours: 2, Message: "last", Subject: "Last chance", Condition: ConditionAlways})

	tests := []struct {
		step        int
		wantMessage string
		wantSubject string
		wantLast    bool
	}{
		{step: PrimaryStep, wantMessage: "Hi {first_name}", wantSubject: "Default subject"},
		{step: 0, wantMessage: "again", wantSubject: "Default subject"},
		{step: 1, wantMessage: "last", wantSubject: "Last chance", wantLast: true},
	}
	for _, tt := range tests {
		message, subject := c.ContentFor(tt.step)
		if message != tt.wantMessage || subject != tt.wantSubject {
			t.Errorf("ContentFor(%d) = %q, %q", tt.step, message, subject)
		}
		if got := c.IsLastStep(tt.step); got != tt.wantLast {
			t.Errorf("IsLastStep(%d) = %v, want %v", tt.step, got, tt.wantLast)
		}
	}

	if c.Step(PrimaryStep) != nil || c.Step(2) != nil {
		t.Error("Step() out of range should be nil")
	}
	if c.StepCount() != 3 {
		t.Errorf("StepCount() = %d, want 3", c.StepCount())
	}
	if c.Step(1).Delay() != 2*time.Hour {
		t.Errorf("Delay() = %v, want 2h", c.Step(1).Delay())
	}
}

func TestCampaign_ThrottleWindowAndLocation(t *testing.T) {
	c := validCampaign()
	for unit, want := range map[string]time.Duration{
		ThrottleUnitMinute: time.Minute,
		ThrottleUnitHour:   time.Hour,
		ThrottleUnitDay:    24 * time.Hour,
	} {
		c.ThrottleUnit = unit
		if got := c.ThrottleWindow(); got != want {
			t.Errorf("ThrottleWindow(%s) = %v, want %v", unit, got, want)
		}
	}

	if got := c.Location().String(); got != "Africa/Nairobi" {
		t.Errorf("Location() = %s", got)
	}
	c.TimeZone = ""
	if c.Location() != time.UTC {
		t.Error("empty zone should fall back to UTC")
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	tests := []struct {
		policy RetryPolicy
		want   int
	}{
		{policy: RetryPolicy{Enabled: true, MaxAttempts: 3}, want: 3},
		{policy: RetryPolicy{Enabled: false, MaxAttempts: 3}, want: 1},
		{policy: RetryPolicy{Enabled: true}, want: 1},
	}
	for _, tt := range tests {
		if got := tt.policy.Attempts(); got != tt.want {
			t.Errorf("%+v.Attempts() = %d, want %d", tt.policy, got, tt.want)
		}
	}
}

func TestRecipientCursor_IsTerminal(t *testing.T) {
	tests := []struct {
		status string
		step   int
		final  int
		want   bool
	}{
		{status: CursorStatusPending, step: PrimaryStep, final: 1, want: false},
		{status: CursorStatusSent, step: 1, final: 1, want: false},
		{status: CursorStatusFailed, step: 0, final: 1, want: false},
		{status: CursorStatusFailed, step: 1, final: 1, want: true},
		{status: CursorStatusFailed, step: PrimaryStep, final: PrimaryStep, want: true},
		{status: CursorStatusOptedOut, step: PrimaryStep, final: 1, want: true},
		{status: CursorStatusExhausted, step: 1, final: 1, want: true},
		{status: CursorStatusCancelled, step: 0, final: 1, want: true},
	}
	for _, tt := range tests {
		c := &RecipientCursor{Status: tt.status, StepIndex: tt.step, FinalStep: tt.final}
		if got := c.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s step %d/%d) = %v, want %v", tt.status, tt.step, tt.final, got, tt.want)
		}
	}
}

func TestRecipientCursor_RepliedSinceLastSend(t *testing.T) {
	sent := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	before := sent.Add(-time.Hour)
	after := sent.Add(2 * time.Hour)

	tests := []struct {
		name    string
		sent    *time.Time
		replied *time.Time
		want    bool
	}{
		{name: "no reply", sent: &sent, want: false},
		{name: "reply after send", sent: &sent, replied: &after, want: true},
		{name: "reply at send instant", sent: &sent, replied: &sent, want: true},
		{name: "reply to an earlier step", sent: &sent, replied: &before, want: false},
		{name: "reply before any send", replied: &before, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &RecipientCursor{LastSentAt: tt.sent, RepliedAt: tt.replied}
			if got := c.RepliedSinceLastSend(); got != tt.want {
				t.Errorf("RepliedSinceLastSend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportEvent_IsOptOut(t *testing.T) {
	tests := []struct {
		kind string
		body string
		want bool
	}{
		{kind: EventReply, body: "STOP", want: true},
		{kind: EventReply, body: " unsubscribe\n", want: true},
		{kind: EventReply, body: "stop please", want: false},
		{kind: EventReply, body: "yes", want: false},
		{kind: EventDelivered, body: "STOP", want: false},
	}
	for _, tt := range tests {
		e := &TransportEvent{Kind: tt.kind, Body: tt.body}
		if got := e.IsOptOut(); got != tt.want {
			t.Errorf("IsOptOut(%s %q) = %v, want %v", tt.kind, tt.body, got, tt.want)
		}
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		page, size  int
		total       int64
		wantPage    int
		wantSize    int
		wantPages   int
		wantHasMore bool
	}{
		{page: 0, size: 0, total: 45, wantPage: 1, wantSize: DefaultPageSize, wantPages: 3, wantHasMore: true},
		{page: 3, size: 20, total: 45, wantPage: 3, wantSize: 20, wantPages: 3},
		{page: 1, size: 500, total: 0, wantPage: 1, wantSize: MaxPageSize, wantPages: 0},
	}
	for _, tt := range tests {
		page, size := tt.page, tt.size
		ValidateAndSetDefaults(&page, &size)
		if page != tt.wantPage || size != tt.wantSize {
			t.Errorf("ValidateAndSetDefaults(%d, %d) = %d, %d", tt.page, tt.size, page, size)
		}
		got := NewPaginationResult(page, size, tt.total)
		if got.TotalPages != tt.wantPages || got.HasMore != tt.wantHasMore {
			t.Errorf("NewPaginationResult(%d, %d, %d) = %+v", page, size, tt.total, got)
		}
	}
	if got := CalculateOffset(3, 20); got != 40 {
		t.Errorf("CalculateOffset(3, 20) = %d, want 40", got)
	}
}
