package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	httpserver "github.com/autopeer-io/occupeye/internal/monitor/server/http"
)

type vehiclesOptions struct {
	server  string
	timeout time.Duration
}

func newVehiclesCommand() *cobra.Command {
	o := &vehiclesOptions{
		server:  "http://localhost:8080",
		timeout: 5 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "vehicles",
		Short: "Print the current status of every monitored vehicle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			list, err := fetchVehicles(ctx, o.server)
			if err != nil {
				return err
			}
			printVehicles(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.server, "server", o.server, "Base URL of a running monitor.")
	cmd.Flags().DurationVar(&o.timeout, "timeout", o.timeout, "Request timeout.")
	return cmd
}

func fetchVehicles(ctx context.Context, server string) ([]*model.VehicleStatus, error) {
	url := strings.TrimRight(server, "/") + "/api/v1/vehicles"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: %s", url, resp.Status)
	}

	var list httpserver.VehicleList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode vehicle list: %w", err)
	}
	return list.Vehicles, nil
}

func printVehicles(w io.Writer, list []*model.VehicleStatus) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("VEHICLE", "STATUS", "SEVERITY", "FACES", "CAPACITY", "FAILURES", "UPDATED")
	for _, v := range list {
		severity := string(v.Severity)
		if severity == "" {
			severity = "-"
		}
		faces := "-"
		if v.FaceCount != model.UnknownFaceCount {
			faces = fmt.Sprint(v.FaceCount)
		}
		updated := "-"
		if !v.LastUpdate.IsZero() {
			updated = v.LastUpdate.Local().Format(time.DateTime)
		}
		table.AddRow(v.VehicleID, v.Status, severity, faces, v.Capacity, v.Failures, updated)
	}
	fmt.Fprintln(w, table)
}
