// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package inventory

import (
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"

	"github.com/intel-hpdd/logging/alert"

	"github.com/bistack/LTFS-Data-Management/comm"
)

// Pool is a named, ordered set of cartridges. The configuration
// order decides the cartridge scan order during scheduling.
type Pool struct {
	Name       string   `json:"name"`
	Cartridges []string `json:"cartridges"`
}

// GetPool looks a pool up by name. Inventory lock held.
func (inv *Inventory) GetPool(name string) *Pool {
	for _, p := range inv.pools {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// GetPools returns the pools in configuration order. Inventory lock
// held.
func (inv *Inventory) GetPools() []*Pool {
	return inv.pools
}

// PoolCreate adds an empty pool.
func (inv *Inventory) PoolCreate(name string) error {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()

	if inv.GetPool(name) != nil {
		return comm.NewError(comm.PoolExists)
	}
	inv.pools = append(inv.pools, &Pool{Name: name})
	return nil
}

// PoolDelete removes an empty pool.
func (inv *Inventory) PoolDelete(name string) error {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()

	for i, p := range inv.pools {
		if p.Name != name {
			continue
		}
		if len(p.Cartridges) > 0 {
			return comm.NewError(comm.PoolNotEmpty)
		}
		inv.pools = append(inv.pools[:i], inv.pools[i+1:]...)
		return nil
	}
	return comm.NewError(comm.PoolNotExists)
}

// PoolAdd moves a cartridge into a pool. A cartridge belongs to at
// most one pool.
func (inv *Inventory) PoolAdd(name, tapeID string) error {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()

	pool := inv.GetPool(name)
	if pool == nil {
		return comm.NewError(comm.PoolNotExists)
	}
	cart := inv.GetCartridge(tapeID)
	if cart == nil {
		return comm.NewError(comm.TapeNotExists)
	}
	if cart.Pool != "" {
		return comm.NewError(comm.TapeExistsInPool)
	}
	cart.Pool = name
	pool.Cartridges = append(pool.Cartridges, tapeID)
	return nil
}

// PoolRemove takes a cartridge out of a pool.
func (inv *Inventory) PoolRemove(name, tapeID string) error {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()

	pool := inv.GetPool(name)
	if pool == nil {
		return comm.NewError(comm.PoolNotExists)
	}
	for i, id := range pool.Cartridges {
		if id != tapeID {
			continue
		}
		pool.Cartridges = append(pool.Cartridges[:i], pool.Cartridges[i+1:]...)
		if cart := inv.GetCartridge(tapeID); cart != nil {
			cart.Pool = ""
		}
		return nil
	}
	return comm.NewError(comm.TapeNotExistsInPool)
}

// applyPools stamps pool membership onto the discovered cartridges.
// Inventory lock held.
func (inv *Inventory) applyPools() {
	for _, p := range inv.pools {
		for _, id := range p.Cartridges {
			if cart := inv.byID[id]; cart != nil {
				cart.Pool = p.Name
			} else {
				alert.Warnf("pool %s references unknown cartridge %s", p.Name, id)
			}
		}
	}
}

// WritePools serializes pool membership to the configuration file.
// Called after every pool mutation.
func (inv *Inventory) WritePools() error {
	inv.mtx.Lock()
	data, err := json.MarshalIndent(inv.pools, "", "\t")
	inv.mtx.Unlock()
	if err != nil {
		return errors.Wrap(err, "marshal pools failed")
	}

	tmp := inv.poolFile + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write pool file failed")
	}
	return errors.Wrap(os.Rename(tmp, inv.poolFile), "rename pool file failed")
}

func (inv *Inventory) loadPools() error {
	data, err := ioutil.ReadFile(inv.poolFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read pool file failed")
	}
	if err := json.Unmarshal(data, &inv.pools); err != nil {
		return errors.Wrap(err, "parse pool file failed")
	}
	inv.applyPools()
	return nil
}
