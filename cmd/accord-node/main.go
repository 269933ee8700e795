// Command accord-node runs a small coordination mesh in one process and
// walks it through the three core flows: conflicting intents, a weighted
// vote, and a checkpointed session. Settlement goes to the deterministic
// in-memory chain so the demo needs no endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Driftline-Labs/accord/pkg/chain"
	"github.com/Driftline-Labs/accord/pkg/config"
	"github.com/Driftline-Labs/accord/pkg/node"
	"github.com/Driftline-Labs/accord/pkg/observability"
	"github.com/Driftline-Labs/accord/pkg/session"
	"github.com/Driftline-Labs/accord/pkg/store"
	"github.com/Driftline-Labs/accord/pkg/transport"
)

func main() {
	configPath := flag.String("config", "accord.yaml", "path to configuration file")
	peers := flag.Int("peers", 3, "number of in-process peers")
	flag.Parse()

	if err := run(*configPath, *peers); err != nil {
		fmt.Fprintln(os.Stderr, "accord-node:", err)
		os.Exit(1)
	}
}

func run(configPath string, peerCount int) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Transport.MinPeers = 0
	if cfg.Coordination.VotePolicy == "" {
		// Demo peers approve any proposal they did not create, so the vote
		// finalizes by full participation instead of waiting out the
		// deadline.
		cfg.Coordination.VotePolicy = "proposal.creator != self"
	}

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName: "accord-node",
		LogLevel:    cfg.LogLevel,
		LogFormat:   cfg.LogFormat,
	}, os.Stderr)
	if err != nil {
		return err
	}
	defer provider.Shutdown(ctx)
	logger := provider.Logger()

	st, err := store.OpenSQLite(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	mesh := transport.NewMesh()
	sim := chain.NewSim()

	nodes := make([]*node.Node, 0, peerCount)
	for i := 0; i < peerCount; i++ {
		id := fmt.Sprintf("peer-%c", 'a'+i)
		var ns store.Store
		if i == 0 {
			ns = st // one durable peer is enough for the demo
		}
		n, err := node.New(cfg, mesh.Join(id), sim, ns, node.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := n.Start(ctx); err != nil {
			return err
		}
		defer n.Stop()
		nodes = append(nodes, n)
	}
	a, b := nodes[0], nodes[1]

	fmt.Println("== intent conflict resolution ==")
	winID, err := a.Intents().CreateIntent(ctx, "0xpool", "swap:eth->usdc", 5)
	if err != nil {
		return err
	}
	_, err = b.Intents().CreateIntent(ctx, "0xpool", "swap:usdc->eth", 3)
	if err != nil {
		return err
	}
	settle(func() bool { return len(sim.Submitted()) == 1 })
	if win, ok := a.Intents().Intent(winID); ok {
		fmt.Printf("intent %s on %s: %s\n", win.ID, win.Resource, win.Status)
	}
	fmt.Printf("chain submissions: %d\n", len(sim.Submitted()))

	fmt.Println("== weighted voting ==")
	propID, err := a.Votes().CreateProposal(ctx, map[string]any{"action": "raise-fee", "bps": 30}, 2*time.Second)
	if err != nil {
		return err
	}
	a.Votes().SubmitVote(ctx, propID, true, 10)
	settle(func() bool {
		p, ok := a.Votes().Proposal(propID)
		return ok && p.Result != nil
	})
	if p, ok := a.Votes().Proposal(propID); ok && p.Result != nil {
		fmt.Printf("proposal %s: %s (yes %d / no %d)\n",
			p.ID, p.Status, p.Result.YesWeight, p.Result.NoWeight)
	}

	fmt.Println("== checkpointed session ==")
	sessID, err := a.Sessions().CreateSession(ctx, session.TypeTurnBased, map[string]any{"board": "empty"})
	if err != nil {
		return err
	}
	for i := 0; i < 10; i++ {
		a.Sessions().MakeMove(ctx, sessID, map[string]any{"move": i})
	}
	settle(func() bool {
		snap, ok := a.Sessions().Snapshot(sessID)
		return ok && len(snap.Checkpoints) > 0
	})
	if snap, ok := a.Sessions().Snapshot(sessID); ok {
		fmt.Printf("session %s: %d moves, %d checkpoint(s)\n",
			snap.ID, a.Sessions().MoveCount(sessID), len(snap.Checkpoints))
		if valid, _, err := a.Sessions().VerifyLog(sessID); err == nil {
			fmt.Printf("move log verified: %v\n", valid)
		}
	}
	return nil
}

// settle polls until cond holds or a short budget runs out. The demo mesh
// is in-process, so convergence is near-immediate.
func settle(cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
