// Command replicanode runs a small in-process cluster of replicated
// key-value engines and lets a user drive them from stdin, in the
// teacher's RunInput tradition: one line per command, blank line to
// quit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/filipereplica/convergentkv/consistency"
	"github.com/filipereplica/convergentkv/crdt"
	"github.com/filipereplica/convergentkv/crdts"
	"github.com/filipereplica/convergentkv/engine"
	"github.com/filipereplica/convergentkv/membership"
	"github.com/filipereplica/convergentkv/node"
	"go.uber.org/zap"
)

const commandTimeout = 2 * time.Second

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	addrs := []node.Addr{"node1", "node2", "node3"}
	transport := newInProcessTransport()
	engines := make(map[node.Addr]*engine.Engine, len(addrs))
	// ids holds each node's identity, minted once, since pruning
	// ownership (pruning.Controller) keys off exact node.ID equality: a
	// fresh incarnation per reference to the same logical node would
	// make it look like a different node on every use.
	ids := make(map[node.Addr]node.ID, len(addrs))

	for _, a := range addrs {
		ids[a] = node.NewID(a)
	}
	for _, a := range addrs {
		e := engine.New(ids[a], transport, engine.WithLogger(logger.Named(string(a))), engine.WithGossipInterval(500*time.Millisecond))
		engines[a] = e
		transport.add(a, e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, e := range engines {
		go e.Run(ctx)
	}
	for _, a := range addrs {
		for _, b := range addrs {
			if a == b {
				continue
			}
			engines[a].SubmitClusterEvent(membership.Event{Kind: membership.MemberUp, Member: b, ID: ids[b]})
		}
	}

	fmt.Println("replicanode: cluster of", len(addrs), "nodes ready")
	runInput(addrs, ids, engines)
}

// runInput mirrors the teacher's user.RunInput scanner loop: one
// whitespace-separated command per line, blank line to exit.
func runInput(addrs []node.Addr, ids map[node.Addr]node.ID, engines map[node.Addr]*engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	printHelp()
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			return
		}
		fields := strings.Fields(text)
		if err := dispatch(fields, addrs, ids, engines); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func printHelp() {
	fmt.Println("commands: inc <node> <key> <amount> | add <node> <key> <elem> | set <node> <key> <value> | get <node> <key> | del <node> <key> | keys <node>")
}

func dispatch(fields []string, addrs []node.Addr, ids map[node.Addr]node.ID, engines map[node.Addr]*engine.Engine) error {
	if len(fields) < 2 {
		return fmt.Errorf("need at least a command and a node index")
	}
	cmd := strings.ToLower(fields[0])
	idx, err := strconv.Atoi(fields[1])
	if err != nil || idx < 1 || idx > len(addrs) {
		return fmt.Errorf("node index must be between 1 and %d", len(addrs))
	}
	e := engines[addrs[idx-1]]
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd {
	case "inc":
		if len(fields) != 4 {
			return fmt.Errorf("usage: inc <node> <key> <amount>")
		}
		key := fields[2]
		amount, err := strconv.ParseUint(fields[3], 10, 64)
		if err != nil {
			return err
		}
		self := ids[addrs[idx-1]]
		err = e.Update(ctx, key, consistency.NewOne(), consistency.NewQuorum(), commandTimeout, func(v crdt.Value) (crdt.Value, error) {
			gc := crdts.NewGCounter()
			if v != nil {
				gc = v.(crdts.GCounter)
			}
			return gc.Increment(self, amount), nil
		})
		return err
	case "add":
		if len(fields) != 4 {
			return fmt.Errorf("usage: add <node> <key> <elem>")
		}
		key, elem := fields[2], fields[3]
		return e.Update(ctx, key, consistency.NewOne(), consistency.NewQuorum(), commandTimeout, func(v crdt.Value) (crdt.Value, error) {
			gs := crdts.NewGSet()
			if v != nil {
				gs = v.(crdts.GSet)
			}
			return gs.Add(elem), nil
		})
	case "set":
		if len(fields) != 4 {
			return fmt.Errorf("usage: set <node> <key> <value>")
		}
		key, val := fields[2], fields[3]
		writer := string(addrs[idx-1])
		return e.Update(ctx, key, consistency.NewOne(), consistency.NewQuorum(), commandTimeout, func(v crdt.Value) (crdt.Value, error) {
			return crdts.NewLWWRegister().Set(val, time.Now().UnixNano(), writer), nil
		})
	case "get":
		if len(fields) != 3 {
			return fmt.Errorf("usage: get <node> <key>")
		}
		val, err := e.Get(ctx, fields[2], consistency.NewQuorum(), commandTimeout)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", fields[2], val)
		return nil
	case "del":
		if len(fields) != 3 {
			return fmt.Errorf("usage: del <node> <key>")
		}
		return e.Delete(ctx, fields[2], consistency.NewQuorum(), commandTimeout)
	case "keys":
		fmt.Println(e.GetKeys())
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
