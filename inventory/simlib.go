// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package inventory

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/debug"
)

// SimLibrary is an in-memory tape library. It backs the sim
// configuration of the daemon and the package tests; the operations
// manipulate slot bookkeeping only.
type SimLibrary struct {
	mtx sync.Mutex

	MoveDelay time.Duration

	drives []DriveInfo
	carts  []CartridgeInfo

	// FailMount, when set, makes the next mount or move of that
	// cartridge fail once.
	FailMount string

	formatted map[string]bool
}

// NewSimLibrary builds a library with the given number of drives and
// cartridge capacities (MiB per cartridge).
func NewSimLibrary(numDrives int, cartCaps []int64) *SimLibrary {
	lib := &SimLibrary{formatted: make(map[string]bool)}
	for i := 0; i < numDrives; i++ {
		lib.drives = append(lib.drives, DriveInfo{
			ID:      fmt.Sprintf("D%02d", i),
			DevName: fmt.Sprintf("/dev/sg%d", i),
			Slot:    int64(256 + i),
			Status:  "ok",
		})
	}
	for i, size := range cartCaps {
		slot := int64(1024 + i)
		lib.carts = append(lib.carts, CartridgeInfo{
			ID:           fmt.Sprintf("T%05d", i),
			Slot:         slot,
			HomeSlot:     slot,
			TotalCap:     size,
			RemainingCap: size,
			Status:       "valid",
		})
	}
	return lib
}

// Drives lists the simulated drives.
func (lib *SimLibrary) Drives() ([]DriveInfo, error) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	drives := make([]DriveInfo, len(lib.drives))
	copy(drives, lib.drives)
	return drives, nil
}

// Cartridges lists the simulated cartridges.
func (lib *SimLibrary) Cartridges() ([]CartridgeInfo, error) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	carts := make([]CartridgeInfo, len(lib.carts))
	copy(carts, lib.carts)
	return carts, nil
}

func (lib *SimLibrary) cart(tapeID string) (*CartridgeInfo, error) {
	for i := range lib.carts {
		if lib.carts[i].ID == tapeID {
			return &lib.carts[i], nil
		}
	}
	return nil, errors.Errorf("unknown cartridge %q", tapeID)
}

func (lib *SimLibrary) drive(driveID string) (*DriveInfo, error) {
	for i := range lib.drives {
		if lib.drives[i].ID == driveID {
			return &lib.drives[i], nil
		}
	}
	return nil, errors.Errorf("unknown drive %q", driveID)
}

func (lib *SimLibrary) load(driveID, tapeID string) error {
	time.Sleep(lib.MoveDelay)

	lib.mtx.Lock()
	defer lib.mtx.Unlock()

	if lib.FailMount == tapeID {
		lib.FailMount = ""
		return errors.Errorf("media load of %s failed", tapeID)
	}
	drive, err := lib.drive(driveID)
	if err != nil {
		return err
	}
	cart, err := lib.cart(tapeID)
	if err != nil {
		return err
	}
	cart.Slot = drive.Slot
	cart.Mounted = true
	debug.Printf("sim: %s loaded into %s", tapeID, driveID)
	return nil
}

// Mount loads and mounts a cartridge.
func (lib *SimLibrary) Mount(driveID, tapeID string) error {
	return lib.load(driveID, tapeID)
}

// Move loads a cartridge without mounting the volume.
func (lib *SimLibrary) Move(driveID, tapeID string) error {
	return lib.load(driveID, tapeID)
}

// Unmount returns a cartridge to its home slot.
func (lib *SimLibrary) Unmount(driveID, tapeID string) error {
	time.Sleep(lib.MoveDelay)

	lib.mtx.Lock()
	defer lib.mtx.Unlock()

	cart, err := lib.cart(tapeID)
	if err != nil {
		return err
	}
	cart.Slot = cart.HomeSlot
	cart.Mounted = false
	debug.Printf("sim: %s unloaded from %s", tapeID, driveID)
	return nil
}

// Format initializes a cartridge.
func (lib *SimLibrary) Format(driveID, tapeID string) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()

	cart, err := lib.cart(tapeID)
	if err != nil {
		return err
	}
	lib.formatted[tapeID] = true
	cart.RemainingCap = cart.TotalCap
	return nil
}

// Check verifies a cartridge.
func (lib *SimLibrary) Check(driveID, tapeID string) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	_, err := lib.cart(tapeID)
	return err
}
