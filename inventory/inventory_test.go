// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package inventory

import (
	"testing"

	"github.com/bistack/LTFS-Data-Management/comm"
	"github.com/bistack/LTFS-Data-Management/internal/testhelpers"
)

func testInventory(t *testing.T) (*Inventory, func()) {
	path, clean := testhelpers.TempPath(t, "pools.conf")
	inv, err := New(NewSimLibrary(2, []int64{1000, 1000, 500}), path)
	if err != nil {
		t.Fatal(err)
	}
	return inv, clean
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return comm.ErrorCode(err)
}

func TestDiscovery(t *testing.T) {
	inv, clean := testInventory(t)
	defer clean()

	inv.Lock()
	defer inv.Unlock()
	if len(inv.GetDrives()) != 2 {
		t.Fatalf("expected 2 drives, got %d", len(inv.GetDrives()))
	}
	if len(inv.GetCartridges()) != 3 {
		t.Fatalf("expected 3 cartridges, got %d", len(inv.GetCartridges()))
	}
	for _, cart := range inv.GetCartridges() {
		if cart.State() != CartUnmounted {
			t.Errorf("cartridge %s starts %s, want unmounted", cart.ID, cart.State())
		}
	}
	if inv.GetDrive("D00") == nil || inv.GetCartridge("T00001") == nil {
		t.Error("lookup by id failed")
	}
}

func TestPoolErrors(t *testing.T) {
	inv, clean := testInventory(t)
	defer clean()

	if err := inv.PoolCreate("p1"); err != nil {
		t.Fatal(err)
	}
	if code := errCode(t, inv.PoolCreate("p1")); code != comm.PoolExists {
		t.Errorf("duplicate create: code %d, want %d", code, comm.PoolExists)
	}
	if code := errCode(t, inv.PoolAdd("nope", "T00000")); code != comm.PoolNotExists {
		t.Errorf("add to unknown pool: code %d, want %d", code, comm.PoolNotExists)
	}
	if code := errCode(t, inv.PoolAdd("p1", "TXXXXX")); code != comm.TapeNotExists {
		t.Errorf("add unknown tape: code %d, want %d", code, comm.TapeNotExists)
	}

	if err := inv.PoolAdd("p1", "T00000"); err != nil {
		t.Fatal(err)
	}
	if code := errCode(t, inv.PoolAdd("p1", "T00000")); code != comm.TapeExistsInPool {
		t.Errorf("double add: code %d, want %d", code, comm.TapeExistsInPool)
	}
	if code := errCode(t, inv.PoolDelete("p1")); code != comm.PoolNotEmpty {
		t.Errorf("delete of non-empty pool: code %d, want %d", code, comm.PoolNotEmpty)
	}
	if code := errCode(t, inv.PoolRemove("p1", "T00001")); code != comm.TapeNotExistsInPool {
		t.Errorf("remove foreign tape: code %d, want %d", code, comm.TapeNotExistsInPool)
	}
}

func TestPoolRoundTrips(t *testing.T) {
	inv, clean := testInventory(t)
	defer clean()

	// create, delete is identity
	if err := inv.PoolCreate("p1"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolDelete("p1"); err != nil {
		t.Fatal(err)
	}
	inv.Lock()
	if inv.GetPool("p1") != nil {
		t.Error("deleted pool still present")
	}
	inv.Unlock()

	// add, remove is identity
	inv.PoolCreate("p1")
	if err := inv.PoolAdd("p1", "T00000"); err != nil {
		t.Fatal(err)
	}
	if err := inv.PoolRemove("p1", "T00000"); err != nil {
		t.Fatal(err)
	}
	inv.Lock()
	if len(inv.GetPool("p1").Cartridges) != 0 {
		t.Error("removed tape still in pool")
	}
	if inv.GetCartridge("T00000").Pool != "" {
		t.Error("removed tape still carries pool membership")
	}
	inv.Unlock()
}

func TestPoolPersistence(t *testing.T) {
	path, clean := testhelpers.TempPath(t, "pools.conf")
	defer clean()

	lib := NewSimLibrary(2, []int64{1000, 1000})
	inv, err := New(lib, path)
	if err != nil {
		t.Fatal(err)
	}
	inv.PoolCreate("p1")
	inv.PoolAdd("p1", "T00001")
	inv.PoolAdd("p1", "T00000")
	if err := inv.WritePools(); err != nil {
		t.Fatal(err)
	}

	again, err := New(lib, path)
	if err != nil {
		t.Fatal(err)
	}
	again.Lock()
	defer again.Unlock()
	pool := again.GetPool("p1")
	if pool == nil {
		t.Fatal("pool lost on reload")
	}
	// Configuration order survives the reload.
	if pool.Cartridges[0] != "T00001" || pool.Cartridges[1] != "T00000" {
		t.Errorf("pool order changed: %v", pool.Cartridges)
	}
	if again.GetCartridge("T00001").Pool != "p1" {
		t.Error("membership not applied to cartridge")
	}
}

func TestClaimRelease(t *testing.T) {
	inv, clean := testInventory(t)
	defer clean()

	inv.Lock()
	cart := inv.GetCartridge("T00000")
	cart.SetState(CartMounted)
	cart.SetRequested(true)
	inv.Claim("D00", "T00000")

	drive := inv.GetDrive("D00")
	if !drive.Busy() {
		t.Error("claimed drive not busy")
	}
	if cart.State() != CartInUse {
		t.Errorf("claimed cartridge %s, want in use", cart.State())
	}
	if cart.Requested() {
		t.Error("claim did not clear the pre-emption ask")
	}
	inv.Unlock()

	inv.Release("D00", "T00000")
	inv.Lock()
	if drive.Busy() {
		t.Error("released drive still busy")
	}
	if cart.State() != CartMounted {
		t.Errorf("released cartridge %s, want mounted", cart.State())
	}
	inv.Unlock()
}

func TestRequestExists(t *testing.T) {
	inv, clean := testInventory(t)
	defer clean()

	inv.Lock()
	defer inv.Unlock()
	if inv.RequestExists(7, "p1") {
		t.Error("request mark found on fresh inventory")
	}
	inv.GetDrive("D01").SetMoveReq(7, "p1")
	if !inv.RequestExists(7, "p1") {
		t.Error("request mark not found")
	}
	if inv.RequestExists(7, "p2") {
		t.Error("mark matched wrong pool")
	}
	inv.GetDrive("D01").ClearMoveReq()
	if inv.RequestExists(7, "p1") {
		t.Error("cleared mark still found")
	}
}
