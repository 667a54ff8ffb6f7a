// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package inventory

type (
	// DriveInfo describes one drive as reported by the library.
	DriveInfo struct {
		ID      string
		DevName string
		Slot    int64
		Status  string
	}

	// CartridgeInfo describes one cartridge as reported by the
	// library. Capacities are in MiB.
	CartridgeInfo struct {
		ID           string
		Slot         int64
		HomeSlot     int64
		TotalCap     int64
		RemainingCap int64
		Status       string
		Mounted      bool
	}

	// Library is the physical tape library. The real implementation
	// drives the changer and the LTFS volumes; tests and the sim
	// configuration use SimLibrary.
	Library interface {
		Drives() ([]DriveInfo, error)
		Cartridges() ([]CartridgeInfo, error)

		// Mount loads a cartridge into a drive and mounts its
		// volume.
		Mount(driveID, tapeID string) error
		// Move loads a cartridge into a drive without mounting
		// the volume, for format and check operations.
		Move(driveID, tapeID string) error
		// Unmount unloads a cartridge back to its home slot.
		Unmount(driveID, tapeID string) error

		Format(driveID, tapeID string) error
		Check(driveID, tapeID string) error
	}
)
