// Copyright 2024 The gocoreeth Authors
// This file is part of the gocoreeth library.
//
// The gocoreeth library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gocoreeth library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gocoreeth library. If not, see <http://www.gnu.org/licenses/>.

// Command gethcore is the minimal composition root: it wires p2p
// discovery/transport, the eth wire handler, the transaction pool, the
// Synchronizer and the miner into one running node. It carries no
// JSON-RPC server and no CLI/env flag parsing (both explicit
// Non-goals) — Config is a plain struct an embedder fills in, and
// Chain/StateView/Executor are supplied by the embedder rather than
// implemented here (§6 External interfaces: these ports are consumed,
// not implemented, by this core).
package main

import (
	"crypto/ecdsa"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gocoreeth/gocoreeth/chain"
	"github.com/gocoreeth/gocoreeth/consensus/ethash"
	"github.com/gocoreeth/gocoreeth/core/txpool"
	"github.com/gocoreeth/gocoreeth/core/types"
	"github.com/gocoreeth/gocoreeth/eth/downloader"
	"github.com/gocoreeth/gocoreeth/eth/protocols/eth"
	"github.com/gocoreeth/gocoreeth/miner"
	"github.com/gocoreeth/gocoreeth/p2p"
	"github.com/gocoreeth/gocoreeth/p2p/enode"
)

// Config bundles every construction-time value the node needs. No
// field is ever read from the environment once Node.Start returns
// (§9 Design Notes / §3 ambient-stack Config note).
type Config struct {
	DataDir       string
	ListenAddr    string // default ":30303"
	DiscoveryAddr string // default ":30303"
	MaxPeers      int
	NetworkID     uint64
	BootstrapNodes []*enode.Node
	StaticNodes    []*enode.Node

	Mine  bool
	Miner miner.Config

	TxPool txpool.Config
}

// Node is one running gocoreeth process: P2P server, eth wire handler,
// transaction pool, chain synchronizer and, optionally, the miner.
type Node struct {
	cfg Config

	server  *p2p.Server
	handler *eth.Handler
	pool    *txpool.LegacyPool
	sync    *downloader.Synchronizer
	miner   *miner.Miner
	engine  *ethash.Ethash
}

// New wires every subsystem together against the embedder-supplied
// chain ports, without starting anything. chn satisfies both
// chain.Chain and the narrower eth.BlockChain/downloader ports
// structurally, so it is passed straight through without an adapter.
func New(cfg Config, key *ecdsa.PrivateKey, chn chain.Chain, exec chain.Executor, signer types.Signer, forkFilter func(eth.ForkID) error) *Node {
	engine := ethash.New(ethash.Config{})
	pool := txpool.New(cfg.TxPool, chn, signer)

	handler := eth.NewHandler(cfg.NetworkID, chn, pool, forkFilter)
	sync := downloader.New(chn, handler, engine)

	n := &Node{cfg: cfg, handler: handler, pool: pool, sync: sync, engine: engine}

	if cfg.Mine {
		n.miner = miner.New(cfg.Miner, chn, exec, engine, pool, handler)
	}

	n.server = p2p.NewServer(p2p.Config{
		PrivateKey:     key,
		MaxPeers:       cfg.MaxPeers,
		ListenAddr:     cfg.ListenAddr,
		DiscoveryAddr:  cfg.DiscoveryAddr,
		BootstrapNodes: cfg.BootstrapNodes,
		StaticNodes:    cfg.StaticNodes,
		Name:           "gocoreeth",
		Protocols:      handler.MakeProtocols(),
	})
	return n
}

// Start brings up P2P networking, begins synchronizing, and starts
// the miner if configured.
func (n *Node) Start() error {
	if err := n.server.Start(); err != nil {
		return err
	}
	n.sync.Start()
	if n.miner != nil {
		n.miner.Start()
	}
	log.Info("gocoreeth node started", "enode", n.server.Self().String())
	return nil
}

// Stop tears down every subsystem (§5 Cancellation and timeouts).
func (n *Node) Stop() {
	if n.miner != nil {
		n.miner.Stop()
	}
	n.sync.Stop()
	n.pool.Stop()
	n.server.Stop()
}

// loadOrCreateNodeKey reads the 32-byte raw private key from
// <datadir>/config/client_key, generating and persisting one if absent
// (§6 Persisted state layout).
func loadOrCreateNodeKey(dataDir string) (*ecdsa.PrivateKey, error) {
	path := dataDir + "/config/client_key"
	if data, err := os.ReadFile(path); err == nil {
		return crypto.ToECDSA(data)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir+"/config", 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, crypto.FromECDSA(key), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func main() {
	log.Info("gocoreeth is a library composition root; construct a Node via gethcore.New with an embedder-supplied Chain/Executor to run it")
}
