package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/cuemby/plb/pkg/api"
	"github.com/cuemby/plb/pkg/client"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running daemon over gRPC",
	Long: `Ask the gRPC health service of a running plbd for its serving status
and print the response as JSON. Exits non-zero unless the status is SERVING.`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().String("addr", "localhost:9191", "gRPC health address")
	healthCmd.Flags().String("service", api.ServiceName, "Service to check, empty for the whole server")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "Probe timeout")
}

func runHealth(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	service, _ := cmd.Flags().GetString("service")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	resp, err := c.Check(ctx, service)
	if err != nil {
		return err
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", addr, resp.GetStatus())
	}
	return nil
}
