// Command peerroll runs a peer, the rendezvous negotiator, or a watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/peerroll"
	"github.com/ngrok/peerroll/proto"
	"github.com/ngrok/peerroll/rendezvous"
	"github.com/ngrok/peerroll/sim"
	"github.com/ngrok/peerroll/watcher"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

const usage = `usage: peerroll <command> [flags]

commands:
  peer        run a peer from a config file
  negotiator  hand out identities to a fixed number of peers
  watcher     print the events peers report
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "peer":
		err = runPeer(ctx, os.Args[2:])
	case "negotiator":
		err = runNegotiator(ctx, os.Args[2:])
	case "watcher":
		err = runWatcher(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func newLogger(level string) log15.Logger {
	lvl := log15.LvlInfo
	if level != "" {
		if l, err := log15.LvlFromString(level); err == nil {
			lvl = l
		}
	}
	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return l
}

func runPeer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	configPath := fs.String("config", "peer.yml", "path to the peer config file")
	fs.Parse(args)

	cfg, err := peerroll.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	l := newLogger(cfg.LogLevel).New("peer", cfg.Name)

	var identity proto.Machine
	opts := cfg.Options()
	if cfg.Negotiator != "" {
		pterm.Info.Printfln("negotiating identity with %s", cfg.Negotiator)
		var isLeader bool
		identity, isLeader, err = peerroll.Negotiate(ctx, cfg.Negotiator, cfg.Name, peerroll.WithNegotiateLogger(l))
		if err != nil {
			return errors.Wrap(err, "negotiation failed")
		}
		if isLeader {
			opts = append(opts, peerroll.WithInitialLeader(cfg.Name))
		}
	} else {
		identity, err = cfg.Machine()
		if err != nil {
			return err
		}
	}
	pterm.Info.Printfln("listening on %s:%d, dialing %d peers", identity.HostAddress, identity.ListenPort, len(identity.Connections))

	m, err := peerroll.New(ctx, identity, append(opts, peerroll.WithLogger(l))...)
	if err != nil {
		return errors.Wrap(err, "mesh bring-up failed")
	}
	defer m.Stop()
	pterm.Success.Printfln("joined mesh with %v", m.Peers())

	tickRate := peerroll.DefaultTickRate
	if cfg.TickRate > 0 {
		tickRate = cfg.TickRate
	}
	names := append(m.Peers(), m.Name())
	initial := peerroll.NewGameState(m.Leader().Name, names)
	agent := peerroll.NewAgent(m, sim.NewKinematic(tickRate), initial,
		append(cfg.AgentOptions(), peerroll.WithAgentLogger(l))...)

	go reportStatus(ctx, m)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	pterm.Info.Println("shutting down")
	return nil
}

func reportStatus(ctx context.Context, m *peerroll.Manager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		leader := m.Leader()
		msg := pterm.Sprintf("role=%s leader=%s epoch=%d living=%v", m.Role(), leader.Name, leader.Epoch, m.LivingPeers())
		if m.ShouldBackupBroadcast() {
			pterm.Warning.Printfln("%s waiting on %s", msg, m.NeedToHearFrom())
			continue
		}
		pterm.Info.Println(msg)
	}
}

func runNegotiator(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("negotiator", flag.ExitOnError)
	addr := fs.String("addr", ":7000", "address to accept registrations on")
	peers := fs.Int("peers", 2, "number of peers to wait for")
	basePort := fs.Int("base-port", 50000, "listen port handed to the first peer")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Parse(args)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	pterm.Info.Printfln("waiting for %d peers on %s", *peers, ln.Addr())

	srv := rendezvous.NewServer(*peers, *basePort, rendezvous.WithLogger(newLogger(*logLevel)))
	machines, err := srv.Serve(ctx, ln)
	if err != nil {
		return err
	}
	rows := [][]string{{"Name", "Address", "Port", "Dials"}}
	for _, m := range machines {
		rows = append(rows, []string{m.Name, m.HostAddress, fmt.Sprint(m.ListenPort), fmt.Sprint(len(m.Connections))})
	}
	pterm.Success.Println("all peers registered")
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runWatcher(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watcher", flag.ExitOnError)
	addr := fs.String("addr", ":7001", "address to accept peers on")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Parse(args)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	pterm.Info.Printfln("watching on %s", ln.Addr())

	srv := watcher.NewServer(func(ev proto.Event) {
		pterm.Printfln("%s %s -> %s", pterm.LightCyan(ev.Kind), ev.Source, ev.Sink)
	}, watcher.WithLogger(newLogger(*logLevel)))
	return srv.Serve(ctx, ln)
}
