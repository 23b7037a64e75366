// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// activeNetParams is a pointer to the parameters specific to the
// currently active bitcoin network.
var activeNetParams = &testNet3Params

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params
	electrumServer string
}

// mainNetParams contains parameters specific to the main network
// (wire.MainNet).
var mainNetParams = params{
	Params:         &chaincfg.MainNetParams,
	electrumServer: "ssl://electrum.blockstream.info:50002",
}

// regressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).  A local server is assumed.
var regressionNetParams = params{
	Params:         &chaincfg.RegressionNetParams,
	electrumServer: "tcp://127.0.0.1:50001",
}

// testNet3Params contains parameters specific to the test network (version 3)
// (wire.TestNet3).
var testNet3Params = params{
	Params:         &chaincfg.TestNet3Params,
	electrumServer: "ssl://electrum.blockstream.info:60002",
}

// sigNetParams contains parameters specific to the default signet network.
var sigNetParams = params{
	Params:         &chaincfg.SigNetParams,
	electrumServer: "ssl://mempool.space:60602",
}
