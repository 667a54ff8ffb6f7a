// Copyright (c) 2018 DDN. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

// Host-local rendezvous between the backend and its clients.
const (
	DefaultSocketPath = "/var/run/ltfsdm/ltfsdmd.sock"
	DefaultKeyFile    = "/var/run/ltfsdm/ltfsdmd.key"
	DefaultLockFile   = "/var/run/ltfsdm/ltfsdmd.lock"
)
