package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/raft"
	"github.com/xmh1011/raftcore/storage"
	"github.com/xmh1011/raftcore/storage/inmemory"
	"github.com/xmh1011/raftcore/transport"
)

// Config 是服务进程的完整配置，可通过命令行参数或 TOML 文件提供。
type Config struct {
	NodeID            int    `toml:"node_id"`
	PeersStr          string `toml:"peers"`
	DataDir           string `toml:"data_dir"`
	TransportType     string `toml:"transport"`
	StorageType       string `toml:"storage"`
	SnapshotThreshold int    `toml:"snapshot_threshold"`
	DevLog            bool   `toml:"dev_log"`
}

var (
	config     Config
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raft-server",
		Short: "A Raft consensus server with a replicated KV state machine",
		Run:   runServer,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to a TOML config file (overrides other flags)")
	rootCmd.Flags().IntVar(&config.NodeID, "id", 1, "Node ID")
	rootCmd.Flags().StringVar(&config.PeersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.Flags().StringVar(&config.DataDir, "data", "raft-data", "Directory to store raft data")
	rootCmd.Flags().StringVar(&config.TransportType, "transport", transport.GRPCTransport, "Transport type: tcp, grpc, inmemory")
	rootCmd.Flags().StringVar(&config.StorageType, "storage", storage.WALStorage, "Storage type: inmemory, wal or bolt")
	rootCmd.Flags().IntVar(&config.SnapshotThreshold, "snapshot-threshold", raft.DefaultSnapshotThreshold, "Log entries retained before a snapshot is taken")
	rootCmd.Flags().BoolVar(&config.DevLog, "dev-log", false, "Use human-readable development logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) {
	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, &config); err != nil {
			fmt.Printf("Failed to load config file %s: %v\n", configFile, err)
			os.Exit(1)
		}
	}

	logger, err := newLogger(config.DevLog)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := NewServer(config, logger.Sugar())
	if err != nil {
		logger.Sugar().Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		logger.Sugar().Fatalf("Failed to start server: %v", err)
	}

	waitForSignal(srv)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Server 把存储、传输和 Raft 节点装配成一个可运行的服务进程。
type Server struct {
	config     Config
	logger     *zap.SugaredLogger
	raft       *raft.Raft
	transport  transport.Transport
	store      storage.Storage
	commitChan chan param.CommitEntry
}

// NewServer 按配置装配一个 Server 实例。
func NewServer(cfg Config, logger *zap.SugaredLogger) (*Server, error) {
	peerMap, peerIDs, myAddr, err := parsePeers(cfg.PeersStr, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peers: %w", err)
	}

	store, err := storage.New(cfg.StorageType, cfg.DataDir, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	stateMachine := inmemory.NewStateMachine()

	trans, err := transport.New(cfg.TransportType, myAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	trans.SetPeers(peerMap)

	commitChan := make(chan param.CommitEntry, 100)
	rf, err := raft.NewRaft(cfg.NodeID, peerIDs, store, stateMachine, trans, commitChan, &raft.Options{
		Logger:            logger,
		SnapshotThreshold: cfg.SnapshotThreshold,
	})
	if err != nil {
		_ = trans.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to recover raft node: %w", err)
	}

	return &Server{
		config:     cfg,
		logger:     logger,
		raft:       rf,
		transport:  trans,
		store:      store,
		commitChan: commitChan,
	}, nil
}

// Start 启动传输层、Raft 后台循环和提交日志的消费循环。
func (s *Server) Start() error {
	s.transport.RegisterRaft(s.raft)

	go func() {
		s.logger.Infof("Starting %s transport service on %s", s.config.TransportType, s.transport.Addr())
		if err := s.transport.Start(); err != nil {
			s.logger.Fatalf("Failed to start transport service: %v", err)
		}
	}()

	go s.raft.Run()
	go s.handleCommits()

	s.logger.Infof("Raft node %d started", s.config.NodeID)
	return nil
}

// Stop 按依赖的反序关停各组件。
func (s *Server) Stop() {
	s.logger.Info("Shutting down...")
	s.raft.Stop()
	if err := s.transport.Close(); err != nil {
		s.logger.Warnf("Failed to close transport: %v", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warnf("Failed to close store: %v", err)
	}
	s.logger.Info("Node stopped")
}

func (s *Server) handleCommits() {
	for entry := range s.commitChan {
		s.logger.Debugf("Node %d applied entry: index=%d term=%d client=%s seq=%d",
			s.config.NodeID, entry.Index, entry.Term, entry.ClientID, entry.SequenceNum)
	}
}

func waitForSignal(srv *Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	srv.Stop()
}

func parsePeers(peersStr string, nodeID int) (map[int]string, []int, string, error) {
	peerMap := make(map[int]string)
	peerIDs := make([]int, 0)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			return nil, nil, "", fmt.Errorf("invalid peer format: %s", p)
		}
		var pid int
		if _, err := fmt.Sscanf(parts[0], "%d", &pid); err != nil {
			return nil, nil, "", fmt.Errorf("invalid peer ID: %s", parts[0])
		}
		peerMap[pid] = parts[1]
		peerIDs = append(peerIDs, pid)
	}

	myAddr, ok := peerMap[nodeID]
	if !ok {
		return nil, nil, "", fmt.Errorf("my ID %d not found in peers list", nodeID)
	}
	return peerMap, peerIDs, myAddr, nil
}
