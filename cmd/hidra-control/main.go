// Command hidra-control manages a fleet of hidra-sender instances: it
// either serves the admin API (`serve`) or drives a running one
// (`start`, `stop`, `list`), grounded on the teacher's cobra-based
// cmd/warren CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hidra-project/hidra/pkg/controlapi"
	"github.com/hidra-project/hidra/pkg/controlstore"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hidra-control: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hidra-control",
	Short: "Manage hidra-sender instances",
}

func init() {
	rootCmd.AddCommand(serveCmd, startCmd, stopCmd, listCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server's admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		senderBin, _ := cmd.Flags().GetString("sender-bin")

		log.Init(log.Config{Level: log.InfoLevel})

		store, err := controlstore.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening control store: %w", err)
		}
		defer store.Close()

		srv := controlapi.New(controlapi.Config{SenderBinPath: senderBin}, store)
		httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()

		log.WithComponent("hidra-control").Info().Str("addr", addr).Msg("admin API listening")

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "0.0.0.0:9400", "admin API listen address")
	serveCmd.Flags().String("data-dir", "/var/lib/hidra-control", "directory for the instance registry")
	serveCmd.Flags().String("sender-bin", "hidra-sender", "path to the hidra-sender binary")
}

var startCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a sender instance for a named detector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		configFile, _ := cmd.Flags().GetString("config-file")
		if configFile == "" {
			return fmt.Errorf("--config-file is required")
		}

		body, _ := json.Marshal(map[string]string{
			"detector_name": args[0],
			"config_path":   configFile,
		})
		resp, err := http.Post(server+"/v1/instances", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("calling control server: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("control server: %s", readBody(resp.Body))
		}
		fmt.Println(readBody(resp.Body))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a running sender instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		req, err := http.NewRequest(http.MethodDelete, server+"/v1/instances/"+args[0], nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("calling control server: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("control server: %s", readBody(resp.Body))
		}
		fmt.Printf("stopped %s\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sender instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		resp, err := http.Get(server + "/v1/instances")
		if err != nil {
			return fmt.Errorf("calling control server: %w", err)
		}
		defer resp.Body.Close()

		var instances []*controlstore.Instance
		if err := json.NewDecoder(resp.Body).Decode(&instances); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		if len(instances) == 0 {
			fmt.Println("no instances")
			return nil
		}
		fmt.Printf("%-20s %-10s %-8s %s\n", "NAME", "STATE", "PID", "STARTED")
		for _, inst := range instances {
			fmt.Printf("%-20s %-10s %-8d %s\n", inst.Name, inst.State, inst.PID, inst.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{startCmd, stopCmd, listCmd} {
		cmd.Flags().String("server", "http://127.0.0.1:9400", "control server admin API address")
	}
	startCmd.Flags().String("config-file", "", "YAML config file for the new instance (required)")
}

func readBody(r io.Reader) string {
	data, _ := io.ReadAll(r)
	return string(data)
}
