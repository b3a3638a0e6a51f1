// Command node starts a norn weave validator: it opens (or initializes)
// local chain state, drives the BFT pipeline over the network, and serves
// RPC queries against the result (spec.md §4.3 "Roles", §6 "RPC surface").
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tolelom/norn/config"
	"github.com/tolelom/norn/consensus"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/crypto/certgen"
	"github.com/tolelom/norn/indexer"
	"github.com/tolelom/norn/loom"
	"github.com/tolelom/norn/network"
	"github.com/tolelom/norn/rpc"
	"github.com/tolelom/norn/storage"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/weave"
	"github.com/tolelom/norn/wire"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("NORN_PASSWORD")
	if password == "" {
		log.Println("WARNING: NORN_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := crypto.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", priv.Public().Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load validator key ----
	privKey, err := crypto.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	// ---- genesis / chain resume ----
	chain, err := config.BuildGenesis(cfg, db)
	if err != nil {
		log.Fatalf("genesis: %v", err)
	}
	genesisHash := weave.GenesisHash(cfg.Genesis.Version, cfg.Genesis.ChainID, cfg.Genesis.Timestamp)
	log.Printf("Chain opened at height %d (genesis %s)", chain.Height(), genesisHash)

	// ---- loom runtime, wired as the weave's fraud-proof verifier ----
	contractStore := loom.NewContractStore(db)
	chain.Verifier = loom.NewExecutor(loom.NewWagonEngine(), contractStore)

	// ---- indexer ----
	idx := indexer.New(db, chain.Events)

	// ---- threads ----
	threadStore := thread.NewStore(db)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, tlsCfg)
	nowFn := func() uint64 { return uint64(time.Now().Unix()) }
	syncer := network.NewSyncer(node, chain, genesisHash, nowFn)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- consensus ----
	replica := consensus.NewReplica(chain.Validators, chain, privKey)
	drv := &bftDriver{replica: replica, node: node, now: nowFn}
	node.Handle(wire.MsgConsensus, drv.onMessage)

	// ---- fraud proofs relayed by spindles ----
	node.Handle(wire.MsgFraudProof, func(peer *network.Peer, env wire.MessageEnvelope) {
		submission, err := weave.DecodeFraudSubmission(env.Payload)
		if err != nil {
			log.Printf("[node] malformed fraud proof from %s: %v", peer.ID, err)
			return
		}
		if err := chain.Mempool.AddFraudProof(submission); err != nil {
			log.Printf("[node] rejected fraud proof from %s: %v", peer.ID, err)
		}
	})

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			if err := syncer.RequestState(peer); err != nil {
				log.Printf("state sync request to %s: %v", sp.ID, err)
			}
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(chain, threadStore, idx, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- proposal ticker ----
	blockTime := time.Duration(cfg.Genesis.Parameters.BlockTimeTarget) * time.Second
	if blockTime <= 0 {
		blockTime = 2 * time.Second
	}
	done := make(chan struct{})
	go runProposalLoop(drv, blockTime, done)
	log.Printf("Consensus running (validator: %s)", privKey.Public().Hex())

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
	close(done)

	// Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

// runProposalLoop ticks at the network's target block interval, proposing
// a new block whenever this validator is the current view's leader
// (spec.md §4.3 "Happy path"). View-change on a stalled proposer is left to
// a future pass; a missed tick just waits for the next one.
func runProposalLoop(drv *bftDriver, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			drv.maybePropose()
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
