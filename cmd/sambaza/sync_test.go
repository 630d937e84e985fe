package main

import (
	"errors"
	"testing"

	"github.com/jkaninda/sambaza/internal/quota"
)

func TestBatchExitCode(t *testing.T) {
	if code := batchExitCode(nil, 0); code != 0 {
		t.Errorf("clean run = %d, want 0", code)
	}
	// Batch-fatal conditions exit 1: nothing was written, rerun as-is.
	if code := batchExitCode(errors.New("missing credentials"), 0); code != 1 {
		t.Errorf("fatal error = %d, want 1", code)
	}
	if code := batchExitCode(&quota.ExhaustedError{Class: quota.ClassSecrets}, 0); code != 1 {
		t.Errorf("quota exhaustion = %d, want 1", code)
	}
	// Partial failure exits 2: some scopes converged, some did not.
	if code := batchExitCode(nil, 3); code != 2 {
		t.Errorf("partial failure = %d, want 2", code)
	}
}
