// Command taviblock is the CLI front-end: it dials the daemon's control
// socket and issues unblock/cancel/replace/extend/status/reload commands.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tavinathanson/taviblock/internal/control"
	"github.com/tavinathanson/taviblock/internal/install"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "block:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "block",
	Short: "Control the taviblockd domain blocker",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/taviblockd.sock", "daemon control socket path")
	rootCmd.AddCommand(statusCmd, unblockCmd, cancelCmd, replaceCmd, extendCmd, reloadCmd, installCmd, uninstallCmd)
}

var installConfigPath string

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register taviblockd as a LaunchDaemon so it starts at boot",
	RunE: func(cmd *cobra.Command, args []string) error {
		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating taviblockd binary: %w", err)
		}
		daemonPath := filepath.Join(filepath.Dir(execPath), "taviblockd")
		d := install.New()
		if err := d.Install(daemonPath, installConfigPath); err != nil {
			return err
		}
		fmt.Println("installed", d.PlistPath())
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the taviblockd LaunchDaemon registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return install.New().Uninstall()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions, the effective blocked set, and today's penalty count",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := send(control.Request{Command: "status"})
		if err != nil {
			return err
		}
		if resp.Status == nil {
			return nil
		}
		for _, s := range resp.Status.Sessions {
			fmt.Printf("#%d  %-12s %-8s %-20s until %s\n", s.ID, s.Profile, s.State, joinOrStar(s.Targets, s.All), s.End)
		}
		fmt.Printf("\nblocked (%d): %v\n", len(resp.Status.BlockedSet), resp.Status.BlockedSet)
		fmt.Printf("unblocks today: %d\n", resp.Status.PenaltyCount)
		return nil
	},
}

func joinOrStar(targets []string, all bool) string {
	if all {
		return "*"
	}
	out := ""
	for i, t := range targets {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

var unblockProfile string
var unblockReplaceID int64

var unblockCmd = &cobra.Command{
	Use:   "unblock [targets...]",
	Short: "Request a time-bounded exception for the given targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := send(control.Request{Command: "unblock", Profile: unblockProfile, Targets: args, ReplaceID: unblockReplaceID})
		if err != nil {
			return err
		}
		for _, sk := range resp.Skipped {
			fmt.Printf("skipped %s: %s\n", sk.Target, sk.Reason)
		}
		fmt.Println("requested")
		return nil
	},
}

var cancelAll bool

var cancelCmd = &cobra.Command{
	Use:   "cancel [id|name]",
	Short: "Cancel matching non-terminal sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := control.Request{Command: "cancel", All: cancelAll}
		if len(args) > 0 {
			req.Name = args[0]
		}
		resp, err := send(req)
		if err != nil {
			return err
		}
		fmt.Printf("cancelled %d session(s)\n", len(resp.Sessions))
		return nil
	},
}

var replaceCmd = &cobra.Command{
	Use:   "replace <id|name> <new-targets...>",
	Short: "Cancel a pending session and unblock new targets under the same profile",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := send(control.Request{Command: "replace", Name: args[0], NewTargets: args[1:]})
		if err != nil {
			return err
		}
		fmt.Println("replaced, requested:", resp.OK)
		return nil
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend <session-id> <minutes>",
	Short: "Prolong an active, non-cooldown session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid session id %q: %w", args[0], err)
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid minutes %q: %w", args[1], err)
		}
		resp, err := send(control.Request{Command: "extend", SessionID: id, Minutes: minutes})
		if err != nil {
			return err
		}
		if len(resp.Sessions) > 0 {
			fmt.Println("extended until", resp.Sessions[0].End)
		}
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the configuration document",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := send(control.Request{Command: "reload"})
		return err
	},
}

func init() {
	unblockCmd.Flags().StringVar(&unblockProfile, "profile", "", "profile name (defaults to the profile marked default)")
	unblockCmd.Flags().Int64Var(&unblockReplaceID, "replace-id", 0, "permit exceeding the concurrency limit when replacing this session")
	cancelCmd.Flags().BoolVar(&cancelAll, "all", false, "cancel every non-terminal session")
	installCmd.Flags().StringVar(&installConfigPath, "config", "/etc/taviblock.yaml", "configuration document path for the installed daemon")
}

// send dials the control socket, writes one newline-delimited JSON
// request, and reads the matching response.
func send(req control.Request) (control.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return control.Response{}, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return control.Response{}, fmt.Errorf("writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return control.Response{}, fmt.Errorf("reading response: %w", err)
		}
		return control.Response{}, fmt.Errorf("daemon closed the connection without responding")
	}

	var resp control.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return control.Response{}, fmt.Errorf("decoding response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}
