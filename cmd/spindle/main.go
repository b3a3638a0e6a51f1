// Command spindle runs a standalone fraud-observer (spec.md §2 "C8
// Spindle service", §4.5): it holds no stake, proposes no blocks, and
// joins the gossip network purely to watch relayed knots for the thread
// ids it is configured with, emitting signed fraud-proof submissions the
// moment it catches a double-knot.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/network"
	"github.com/tolelom/norn/spindle"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/weave"
	"github.com/tolelom/norn/wire"
)

func main() {
	keyPath := flag.String("key", "spindle.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new reporter key and exit")
	listenAddr := flag.String("listen", ":9800", "p2p listen address")
	peersFlag := flag.String("peers", "", "comma-separated id=addr seed peers")
	watchFlag := flag.String("watch", "", "comma-separated hex thread ids to watch")
	flag.Parse()

	password := os.Getenv("NORN_PASSWORD")
	if password == "" {
		log.Println("WARNING: NORN_PASSWORD not set — keystore will use an empty password")
	}

	if *genKey {
		priv, _, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := crypto.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated reporter key. Public key: %s\n", priv.Public().Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	reporterKey, err := crypto.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	svc := spindle.NewService(reporterKey)
	for _, id := range parseWatchList(*watchFlag) {
		svc.Watch(id)
	}
	log.Printf("Spindle reporting as %s, watching %d thread(s)", svc.Address().Hex(), len(parseWatchList(*watchFlag)))

	node := network.NewNode(svc.Address().Hex(), *listenAddr, nil)
	node.Handle(wire.MsgRelay, relayHandler(svc, node))
	node.Handle(wire.MsgKnotProposal, relayHandler(svc, node))
	node.Handle(wire.MsgKnotResponse, relayHandler(svc, node))

	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", *listenAddr)

	for _, p := range parsePeers(*peersFlag) {
		if err := node.AddPeer(p.id, p.addr); err != nil {
			log.Printf("seed peer %s (%s): %v", p.id, p.addr, err)
			continue
		}
		log.Printf("Connected to seed peer %s (%s)", p.id, p.addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")
}

// relayHandler decodes a knot out of a relayed envelope, feeds it to svc
// for every participant thread being watched, and broadcasts any
// resulting fraud-proof submission as a MsgFraudProof envelope.
func relayHandler(svc *spindle.Service, node *network.Node) network.MessageHandler {
	return func(peer *network.Peer, env wire.MessageEnvelope) {
		k, err := thread.DecodeKnot(env.Payload)
		if err != nil {
			log.Printf("[spindle] malformed relayed knot from %s: %v", peer.ID, err)
			return
		}
		now := uint64(time.Now().Unix())
		for _, p := range k.After {
			if !svc.Watching(p.ThreadId) {
				continue
			}
			submission, alerted := svc.OnKnot(peer.ID, p.ThreadId, k, now)
			if !alerted {
				continue
			}
			log.Printf("[spindle] double-knot detected on thread %s, broadcasting fraud proof", p.ThreadId.Hex())
			node.Broadcast(wire.NewEnvelope(wire.MsgFraudProof, weave.EncodeFraudSubmission(submission)))
		}
	}
}

func parseWatchList(s string) []crypto.Address {
	var out []crypto.Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := crypto.AddressFromHex(part)
		if err != nil {
			log.Printf("[spindle] skipping invalid watch id %q: %v", part, err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

type seedPeer struct{ id, addr string }

func parsePeers(s string) []seedPeer {
	var out []seedPeer
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			log.Printf("[spindle] skipping malformed peer %q (want id=addr)", part)
			continue
		}
		out = append(out, seedPeer{id: kv[0], addr: kv[1]})
	}
	return out
}
