// Command hidractl is a scriptable CLI over a sender's external
// control/request protocol (GET_VERSION, START_*, STOP_*, NEXT, CANCEL,
// STATUS_CHECK, RESET_STATUS), grounded on original_source/src/APIs/
// hidra/transfer.py's public operations.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hidra-project/hidra/pkg/hidraclient"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hidractl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hidractl",
	Short: "Drive a hidra-sender instance's external control protocol",
}

func init() {
	rootCmd.PersistentFlags().String("com", "127.0.0.1:50000", "sender com (REQ/REP) address")
	rootCmd.PersistentFlags().String("status", "127.0.0.1:50101", "sender status address")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")
	rootCmd.AddCommand(versionCmd, statusCmd, resetStatusCmd, startCmd, stopCmd, nextCmd, cancelCmd)
}

func callCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(context.Background(), timeout)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Query the sender's protocol version",
	RunE: func(cmd *cobra.Command, args []string) error {
		com, _ := cmd.Flags().GetString("com")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		v, err := hidraclient.GetVersion(ctx, com)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the sender's aggregate status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		st, err := hidraclient.CheckStatus(ctx, status)
		if err != nil {
			return err
		}
		if st.OK {
			fmt.Println("OK")
			return nil
		}
		fmt.Printf("ERROR %s %s\n", st.Kind, st.Detail)
		return nil
	},
}

var resetStatusCmd = &cobra.Command{
	Use:   "reset-status",
	Short: "Reset the sender's Cleaner status to OK and print the resulting status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		ctx, cancel := callCtx(cmd)
		defer cancel()
		st, err := hidraclient.ResetStatus(ctx, status)
		if err != nil {
			return err
		}
		if st.OK {
			fmt.Println("OK")
		} else {
			fmt.Printf("ERROR %s %s\n", st.Kind, st.Detail)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start MODE HOST PORT",
	Short: "Register as a consumer (mode: stream, stream_metadata, query, query_metadata)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		com, _ := cmd.Flags().GetString("com")
		port, err := parsePort(args[2])
		if err != nil {
			return err
		}
		xfer := hidraclient.New(com, hidraclient.Target{Host: args[1], Port: port, Priority: 1})
		ctx, cancel := callCtx(cmd)
		defer cancel()
		if err := xfer.Start(ctx, hidraclient.Mode(args[0])); err != nil {
			return err
		}
		fmt.Println("started")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop MODE HOST PORT",
	Short: "Deregister a consumer",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		com, _ := cmd.Flags().GetString("com")
		port, err := parsePort(args[2])
		if err != nil {
			return err
		}
		xfer := hidraclient.New(com, hidraclient.Target{Host: args[1], Port: port, Priority: 1})
		ctx, cancel := callCtx(cmd)
		defer cancel()
		if err := xfer.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("stopped")
		return nil
	},
}

var nextCmd = &cobra.Command{
	Use:   "next HOST PORT REQUEST_ADDR",
	Short: "Request the next file in query mode",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		com, _ := cmd.Flags().GetString("com")
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		xfer := hidraclient.New(com, hidraclient.Target{Host: args[0], Port: port, Priority: 1})
		ctx, cancel := callCtx(cmd)
		defer cancel()
		return xfer.Check(ctx, args[2])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel HOST PORT REQUEST_ADDR",
	Short: "Withdraw pending NEXT grants in query mode",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		com, _ := cmd.Flags().GetString("com")
		port, err := parsePort(args[1])
		if err != nil {
			return err
		}
		xfer := hidraclient.New(com, hidraclient.Target{Host: args[0], Port: port, Priority: 1})
		ctx, cancel := callCtx(cmd)
		defer cancel()
		return xfer.Cancel(ctx, args[2])
	},
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return port, nil
}
