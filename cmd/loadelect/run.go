package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danl5/loadelect"
	"github.com/danl5/loadelect/pkg/config"
	logpkg "github.com/danl5/loadelect/pkg/log"
	"github.com/danl5/loadelect/pkg/model"
	obsmetrics "github.com/danl5/loadelect/pkg/observability/metrics"
	"github.com/danl5/loadelect/pkg/observability/tracing"
	"github.com/danl5/loadelect/pkg/status"
	"github.com/danl5/loadelect/pkg/transport/gossip"
	"github.com/danl5/loadelect/pkg/transport/grpc"
	"github.com/danl5/loadelect/pkg/transport/rpc"
)

func newRunCmd() *cobra.Command {
	var (
		configPath, id, address, peersCSV, transportKind string
		statusAddr, logFormat, logLevel, variant         string
		heartbeatTimeout                                 time.Duration
		voteThreshold                                    int
		traceEnable                                      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an election node",
		RunE: func(cmd *cobra.Command, args []string) error {
			file := &config.File{}
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				file = loaded
			}

			// flags override the config file
			flags := cmd.Flags()
			if flags.Changed("id") || file.Node.ID == "" {
				file.Node.ID = id
			}
			if flags.Changed("address") || file.Node.Address == "" {
				file.Node.Address = address
			}
			if flags.Changed("peers") {
				peers, err := parsePeers(peersCSV)
				if err != nil {
					return err
				}
				file.Election.Peers = peers
			}
			if flags.Changed("transport") || file.Transport == "" {
				file.Transport = transportKind
			}
			if flags.Changed("status-addr") {
				file.StatusAddress = statusAddr
			}
			if flags.Changed("log-format") || file.LogFormat == "" {
				file.LogFormat = logFormat
			}
			if flags.Changed("log-level") || file.LogLevel == "" {
				file.LogLevel = logLevel
			}
			if flags.Changed("variant") {
				file.Election.MetricsVariant = model.MetricsVariant(variant)
			}
			if flags.Changed("heartbeat-timeout") {
				file.Election.HeartbeatTimeout = heartbeatTimeout
			}
			if flags.Changed("vote-threshold") {
				file.Election.VoteThreshold = voteThreshold
			}
			if flags.Changed("trace") {
				file.Tracing = traceEnable
			}
			if file.Node.ID == "" {
				return fmt.Errorf("missing --id")
			}
			return runNode(file)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "yaml config file")
	cmd.Flags().StringVar(&id, "id", "", "node id")
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:9981", "listen address of this node")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "cluster members as id=host:port, comma separated")
	cmd.Flags().StringVar(&transportKind, "transport", "rpc", "transport: rpc|grpc|gossip")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "http status address, empty disables it")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text|json")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	cmd.Flags().StringVar(&variant, "variant", string(model.MetricsExtended), "metrics variant: basic|extended")
	cmd.Flags().DurationVar(&heartbeatTimeout, "heartbeat-timeout", config.DefaultHeartbeatTimeout, "leader silence before an election")
	cmd.Flags().IntVar(&voteThreshold, "vote-threshold", config.DefaultVoteThreshold, "negative voters that remove a leader")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable stdout tracing")
	return cmd
}

func runNode(file *config.File) error {
	logger, err := logpkg.New(os.Stderr, file.LogFormat, file.LogLevel)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	shutdown, err := tracing.Setup(file.Tracing)
	if err != nil {
		logger.Warn("tracing setup error", "error", err.Error())
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}
	obsmetrics.Register()

	election := file.Election.WithDefaults()
	trans, transCfg, err := newTransport(file, election.MetricsVariant, logger)
	if err != nil {
		return err
	}

	e, err := loadelect.NewElect(trans, transCfg, nil, electConfig(file, logger), logger)
	if err != nil {
		return err
	}
	if err := e.Run(ctx); err != nil {
		return err
	}

	var statusSrv *status.Server
	if file.StatusAddress != "" {
		statusSrv = status.NewServer(e, logger)
		if err := statusSrv.Start(file.StatusAddress); err != nil {
			_ = e.Stop()
			return err
		}
	}

	for {
		select {
		case err := <-e.Errors():
			logger.Warn("state callback failed", "error", err.Error())
		case <-ctx.Done():
			logger.Info("shutting down")
			if statusSrv != nil {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = statusSrv.Shutdown(sctx)
				scancel()
			}
			return e.Stop()
		}
	}
}

func newTransport(file *config.File, variant model.MetricsVariant, logger *slog.Logger) (model.Transport, model.TransportConfig, error) {
	switch file.Transport {
	case "rpc":
		t, err := rpc.NewRPC(logger)
		return t, &rpc.Config{Config: file.TLS, ConnectTimeout: file.Election.WithDefaults().ConnectTimeout, Variant: variant}, err
	case "grpc":
		t, err := grpc.NewTransport(logger)
		return t, &grpc.Config{Config: file.TLS, ConnectTimeout: file.Election.WithDefaults().ConnectTimeout, Variant: variant}, err
	case "gossip":
		t, err := gossip.NewTransport(logger)
		return t, &gossip.Config{NodeID: file.Node.ID, Variant: variant}, err
	}
	return nil, nil, fmt.Errorf("unknown transport %q", file.Transport)
}

// electConfig maps the file's election section onto the facade config.
func electConfig(file *config.File, logger *slog.Logger) *loadelect.ElectConfig {
	election := file.Election.WithDefaults()
	var peers []loadelect.Node
	for _, p := range election.Peers {
		peers = append(peers, loadelect.Node{ID: p.ID, Address: p.Address, Tags: p.Tags})
	}
	return &loadelect.ElectConfig{
		HeartbeatInterval:    uint(election.HeartbeatInterval.Milliseconds()),
		FollowerPollInterval: uint(election.FollowerPollInterval.Milliseconds()),
		HeartbeatTimeout:     uint(election.HeartbeatTimeout.Milliseconds()),
		SendTimeout:          uint(election.SendTimeout.Milliseconds()),
		ConnectTimeout:       uint(election.ConnectTimeout.Milliseconds()),
		InboxSize:            election.InboxSize,
		VoteThreshold:        election.VoteThreshold,
		MetricsVariant:       election.MetricsVariant,
		Peers:                peers,
		Node:                 loadelect.Node{ID: file.Node.ID, Address: file.Node.Address, Tags: file.Node.Tags},
		CallBacks:            loggingCallBacks(logger),
	}
}

func loggingCallBacks(logger *slog.Logger) *loadelect.StateCallBacks {
	enter := func(ctx context.Context, st model.StateTransition) error {
		logger.Info("enter state", "state", st.State, "from", st.SrcState)
		return nil
	}
	leave := func(ctx context.Context, st model.StateTransition) error {
		logger.Info("leave state", "state", st.State, "to", st.SrcState)
		return nil
	}
	return &loadelect.StateCallBacks{
		EnterLeader:        enter,
		LeaveLeader:        leave,
		EnterFollower:      enter,
		LeaveFollower:      leave,
		EnterDefactoLeader: enter,
		LeaveDefactoLeader: leave,
	}
}

// parsePeers reads "id=host:port,id=host:port".
func parsePeers(csv string) ([]config.NodeConfig, error) {
	var peers []config.NodeConfig
	for _, item := range strings.Split(csv, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, addr, ok := strings.Cut(item, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, want id=host:port", item)
		}
		peers = append(peers, config.NodeConfig{ID: id, Address: addr})
	}
	return peers, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
