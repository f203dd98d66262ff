package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryWhenStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid input")
	attempts := 0
	err := RetryWhen(context.Background(), 5, 0, func(err error) bool { return err != permanent }, func() error {
		attempts++
		if attempts == 1 {
			return errors.New("timeout")
		}
		return permanent
	})
	if err != permanent {
		t.Errorf("RetryWhen = %v, want the permanent error", err)
	}
	if attempts != 2 {
		t.Errorf("RetryWhen called fn %d times, want 2", attempts)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewBurstRateLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d within burst: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait beyond the burst should block until the context expires")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait should use the initial token: %v", err)
	}
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should fail once the context is cancelled")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	slog.New(newHandler(&buf, LogOptions{Format: "text"})).Info("hello", "k", "v")
	if got := buf.String(); !bytes.Contains([]byte(got), []byte("k=v")) {
		t.Errorf("text handler output = %q", got)
	}
	buf.Reset()
	slog.New(newHandler(&buf, LogOptions{})).Info("hello", "k", "v")
	if got := buf.String(); !bytes.Contains([]byte(got), []byte(`"k":"v"`)) {
		t.Errorf("json handler output = %q", got)
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	logger := NewLoggerWithOptions(LogOptions{File: filepath.Join(t.TempDir(), "riskdesk.log"), MaxSizeMB: 1})
	if logger == nil {
		t.Fatal("NewLoggerWithOptions returned nil")
	}
}

func TestVenueClock(t *testing.T) {
	clk, err := NewVenueClock("")
	if err != nil {
		t.Fatalf("NewVenueClock: %v", err)
	}
	if clk.Location().String() != DefaultVenueZone {
		t.Errorf("Location = %s, want %s", clk.Location(), DefaultVenueZone)
	}

	// 16:05 in Helsinki during EET (UTC+2) is 14:05 UTC.
	ts, err := clk.ParseLocal("20060102 15:04:05", "20240304 16:05:01")
	if err != nil {
		t.Fatalf("ParseLocal: %v", err)
	}
	if want := time.Date(2024, 3, 4, 14, 5, 1, 0, time.UTC); !ts.Equal(want) {
		t.Errorf("ParseLocal = %v, want %v", ts.UTC(), want)
	}

	fixed := time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC)
	c2 := clk.WithNow(func() time.Time { return fixed })
	if got := c2.TradingDay(c2.Now()); got != "2024-03-05" {
		t.Errorf("TradingDay = %s, want 2024-03-05", got)
	}
	if c2.Normalize(fixed).Location() != clk.Location() {
		t.Error("Normalize did not convert to the venue zone")
	}
	// 23:30 UTC is 01:30 on the 5th in Helsinki, so the day starts at 22:00 UTC on the 4th.
	if got, want := c2.DayStart(fixed), time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("DayStart = %v, want %v", got.UTC(), want)
	}

	if _, err := NewVenueClock("Not/AZone"); err == nil {
		t.Error("NewVenueClock should reject unknown zones")
	}
}
