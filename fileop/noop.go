// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fileop

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bistack/LTFS-Data-Management/queue"
)

// MapFs is an in-memory FileSystem used by the sim configuration and
// the package tests.
type MapFs struct {
	mtx   sync.Mutex
	files map[string]*mapFile
}

type mapFile struct {
	size  int64
	state queue.FileState
	tape  string
}

// NewMapFs builds an empty in-memory file system.
func NewMapFs() *MapFs {
	return &MapFs{files: make(map[string]*mapFile)}
}

// AddFile registers a file with its size and migration state.
func (m *MapFs) AddFile(name string, size int64, state queue.FileState) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.files[name] = &mapFile{size: size, state: state}
}

// SetFileTape records which cartridge holds the file's tape copy.
func (m *MapFs) SetFileTape(name, tapeID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if f, ok := m.files[name]; ok {
		f.tape = tapeID
	}
}

func (m *MapFs) get(name string) (*mapFile, error) {
	f, ok := m.files[name]
	if !ok {
		return nil, errors.Errorf("no such file %q", name)
	}
	return f, nil
}

// FileSize returns the file's size.
func (m *MapFs) FileSize(name string) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.get(name)
	if err != nil {
		return 0, err
	}
	return f.size, nil
}

// FileState returns the file's migration state.
func (m *MapFs) FileState(name string) (queue.FileState, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.get(name)
	if err != nil {
		return queue.Resident, err
	}
	return f.state, nil
}

// SetFileState updates the file's migration state.
func (m *MapFs) SetFileState(name string, state queue.FileState) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.get(name)
	if err != nil {
		return err
	}
	f.state = state
	return nil
}

// FileTape returns the cartridge holding the file's tape copy.
func (m *MapFs) FileTape(name string) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.get(name)
	if err != nil {
		return "", err
	}
	if f.tape == "" {
		return "", errors.Errorf("%s has no tape copy", name)
	}
	return f.tape, nil
}

// NoopMover is a data mover that moves nothing. It records the tape
// copy in the file system mirror so recalls find it again.
type NoopMover struct {
	fs *MapFs

	// CopyDelay stretches each copy for scheduling tests.
	CopyDelay time.Duration

	// FailFile, when set, makes operations on that file fail.
	FailFile string
}

// NewNoopMover builds a mover against an in-memory file system.
func NewNoopMover(fs *MapFs) *NoopMover {
	return &NoopMover{fs: fs}
}

// Premigrate pretends to copy a file to tape.
func (n *NoopMover) Premigrate(fileName, tapeID string) error {
	time.Sleep(n.CopyDelay)
	if n.FailFile == fileName {
		return errors.Errorf("copy of %s failed", fileName)
	}
	n.fs.SetFileTape(fileName, tapeID)
	return nil
}

// Stub pretends to truncate a premigrated file.
func (n *NoopMover) Stub(fileName string) error {
	if n.FailFile == fileName {
		return errors.Errorf("stubbing of %s failed", fileName)
	}
	return nil
}

// Recall pretends to copy a file back from tape.
func (n *NoopMover) Recall(fileName, tapeID string, toResident bool) error {
	time.Sleep(n.CopyDelay)
	if n.FailFile == fileName {
		return errors.Errorf("recall of %s failed", fileName)
	}
	return nil
}
