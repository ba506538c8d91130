package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xmh1011/raftcore/client"
	"github.com/xmh1011/raftcore/param"
	"github.com/xmh1011/raftcore/transport"
)

var (
	peersStr      string
	transportType string
	op            string
	key           string
	value         string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raft-client",
		Short: "A client for the Raft cluster",
		Run:   runClient,
	}

	rootCmd.Flags().StringVar(&peersStr, "peers", "1=127.0.0.1:8001,2=127.0.0.1:8002,3=127.0.0.1:8003", "Comma-separated list of peer ID=Address pairs")
	rootCmd.Flags().StringVar(&transportType, "transport", transport.GRPCTransport, "Transport type: tcp, grpc")
	rootCmd.Flags().StringVar(&op, "op", "get", "Operation type: get, set or delete")
	rootCmd.Flags().StringVar(&key, "key", "foo", "Key to operate on")
	rootCmd.Flags().StringVar(&value, "value", "", "Value to set (only for set operation)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runClient(_ *cobra.Command, _ []string) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	peerMap := make(map[int]string)
	for _, p := range strings.Split(peersStr, ",") {
		parts := strings.Split(p, "=")
		if len(parts) != 2 {
			sugar.Fatalf("Invalid peer format: %s", p)
		}
		var id int
		if _, err := fmt.Sscanf(parts[0], "%d", &id); err != nil {
			sugar.Fatalf("Invalid peer ID: %s", parts[0])
		}
		peerMap[id] = parts[1]
	}

	trans, err := transport.NewClientTransport(transportType)
	if err != nil {
		sugar.Fatalf("Failed to initialize transport: %v", err)
	}
	defer func() { _ = trans.Close() }()

	c := client.NewClient(peerMap, trans, &client.Options{Logger: sugar})

	cmdBytes, err := json.Marshal(param.KVCommand{Op: op, Key: key, Value: value})
	if err != nil {
		sugar.Fatalf("Failed to marshal command: %v", err)
	}

	sugar.Infof("Sending command: %s key=%s val=%s (via %s)", op, key, value, transportType)
	result, success := c.SendCommand(cmdBytes)

	if success {
		fmt.Printf("Success! Result: %s\n", string(result))
	} else {
		fmt.Println("Failed to execute command.")
	}
}
