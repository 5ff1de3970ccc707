package app

import (
	"os"
	"sync/atomic"
)

// TestModeEnv disables network side effects such as broadcaster
// subscriptions and the job worker when set to 1.
const TestModeEnv = "STAFFHUB_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the process runs under tests.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads the environment and returns the new value.
func RefreshTestMode() bool {
	v := os.Getenv(TestModeEnv) == "1"
	testMode.Store(&v)
	return v
}
