// Package testutil holds small helpers shared across package tests.
package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoGoroutineLeaks fails the test when the goroutine count does not
// settle back to baseline (plus margin) within 10 seconds. Take the
// baseline with runtime.NumGoroutine before starting the code under test.
func AssertNoGoroutineLeaks(t *testing.T, baseline, margin int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		n := runtime.NumGoroutine()
		if n <= baseline+margin {
			return
		}
		if time.Now().After(deadline) {
			t.Errorf("goroutine leak: baseline=%d current=%d margin=%d", baseline, n, margin)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// WaitUntil polls cond every 5ms until it returns true or two seconds pass,
// then fails the test with msg.
func WaitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}
