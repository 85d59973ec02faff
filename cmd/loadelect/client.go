package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danl5/loadelect/pkg/model"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := call(cmd.Context(), http.MethodGet, statusURL(addr, "/status"), nil)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, out.String())
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "status address of the node")
	return cmd
}

func newInjectCmd() *cobra.Command {
	var (
		addr     string
		clearPin bool
		m        model.SystemMetrics
	)
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Pin the metrics reported by a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearPin {
				_, err := call(cmd.Context(), http.MethodDelete, statusURL(addr, "/inject"), nil)
				return err
			}
			payload, err := json.Marshal(m)
			if err != nil {
				return err
			}
			_, err = call(cmd.Context(), http.MethodPost, statusURL(addr, "/inject"), payload)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "status address of the node")
	cmd.Flags().BoolVar(&clearPin, "clear", false, "return to measured metrics")
	cmd.Flags().Float64Var(&m.CPULoad, "cpu", 0, "cpu load percent")
	cmd.Flags().Float64Var(&m.MemoryUsage, "memory", 0, "memory usage percent")
	cmd.Flags().Float64Var(&m.NetworkBandwidth, "bandwidth", 0, "network bandwidth in Mbps")
	cmd.Flags().Float64Var(&m.DiskIO, "disk-io", 0, "disk operations per second")
	cmd.Flags().Float64Var(&m.RequestLatency, "latency", 0, "request latency in ms")
	cmd.Flags().Uint32Var(&m.ConnectionCount, "connections", 0, "open connections")
	return cmd
}

func statusURL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

func call(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, strings.TrimSpace(string(out)))
	}
	return out, nil
}
