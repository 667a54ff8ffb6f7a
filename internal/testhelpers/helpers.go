// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package testhelpers carries scaffolding shared by the package
// tests.
package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testPrefix = "ltfsdmtest"

// TempDir creates a scratch directory and returns it with its
// cleanup.
func TempDir(t *testing.T) (string, func()) {
	tdir, err := os.MkdirTemp("", testPrefix)
	if err != nil {
		t.Fatal(err)
	}
	return tdir, func() {
		err = os.RemoveAll(tdir)
		if err != nil {
			t.Fatal(err)
		}
	}
}

// TempPath returns a path inside a scratch directory without
// creating the file.
func TempPath(t *testing.T, name string) (string, func()) {
	tdir, clean := TempDir(t)
	return filepath.Join(tdir, name), clean
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
