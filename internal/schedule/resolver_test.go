package schedule

import (
	"testing"
	"time"
)

func TestNextInterval(t *testing.T) {
	t.Parallel()
	spec := Interval(1800000 * time.Millisecond) // 30m

	for _, after := range []time.Time{
		time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 12, 31, 23, 59, 0, 0, time.UTC),
		time.Unix(0, 0),
	} {
		next, err := spec.Next(after)
		if err != nil {
			t.Fatalf("Next(%v) error: %v", after, err)
		}
		if got, want := next, after.Add(30*time.Minute); !got.Equal(want) {
			t.Fatalf("Next(%v) = %v, want %v", after, got, want)
		}
	}
}

func TestNextCronWeekdayMorning(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	spec := Cron("0 9 * * 1-5", "Europe/Berlin")
	if err := spec.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Saturday 2024-03-02 12:00 Berlin: next weekday 09:00 is Monday 03-04.
	sat := time.Date(2024, 3, 2, 12, 0, 0, 0, loc)
	next, err := spec.Next(sat)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := time.Date(2024, 3, 4, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}

	// From just before Friday 09:00 the same day matches.
	fri := time.Date(2024, 3, 1, 8, 59, 0, 0, loc)
	next, err = spec.Next(fri)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want = time.Date(2024, 3, 1, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestNextCronTimezone(t *testing.T) {
	t.Parallel()
	spec := Cron("0 9 * * *", "Asia/Jakarta") // UTC+7
	after := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := spec.Next(after)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	// 09:00 Jakarta == 02:00 UTC.
	want := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v (UTC %v), want %v", next, next.UTC(), want)
	}
}

// Both day-of-month and day-of-week restricted: the job fires when EITHER
// matches (classic cron OR), and Describe must not claim otherwise.
func TestNextCronDomDowUnion(t *testing.T) {
	t.Parallel()
	spec := Cron("0 12 13 * 5", "") // noon on the 13th OR on Fridays

	// Monday 2024-05-06: next Friday is 05-10, next 13th is 05-13 (Monday).
	after := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	first, err := spec.Next(after)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC); !first.Equal(want) {
		t.Fatalf("first = %v, want Friday %v", first, want)
	}
	second, err := spec.Next(first)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2024, 5, 13, 12, 0, 0, 0, time.UTC); !second.Equal(want) {
		t.Fatalf("second = %v, want the 13th %v", second, want)
	}
}

func TestPreviewAndPeriod(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	iv := Interval(15 * time.Minute)
	got := iv.Preview(from, 3)
	if len(got) != 3 {
		t.Fatalf("Preview len = %d, want 3", len(got))
	}
	for i, ts := range got {
		want := from.Add(time.Duration(i+1) * 15 * time.Minute)
		if !ts.Equal(want) {
			t.Fatalf("Preview[%d] = %v, want %v", i, ts, want)
		}
	}
	if p := iv.Period(from); p != 15*time.Minute {
		t.Fatalf("Period = %v, want 15m", p)
	}

	daily := Cron("0 9 * * *", "")
	if p := daily.Period(from); p != 24*time.Hour {
		t.Fatalf("cron Period = %v, want 24h", p)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	if got := Interval(30 * time.Minute).Describe(); got != "every 30m0s" {
		t.Fatalf("Describe = %q", got)
	}
	if got := Cron("0 9 * * 1-5", "Europe/Berlin").Describe(); got != `cron "0 9 * * 1-5" (Europe/Berlin)` {
		t.Fatalf("Describe = %q", got)
	}
	if got := Cron("0 9 * * *", "").Describe(); got != `cron "0 9 * * *" (UTC)` {
		t.Fatalf("Describe = %q", got)
	}
}
