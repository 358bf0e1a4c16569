// Command apphostctl is the apphost operator CLI: it talks to a running
// apphostd over its REST+SSE/WS control-plane API to list, inspect,
// start/stop/restart, and tail the logs of managed apps.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "apphostctl",
	Short: "operator CLI for an apphostd server",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:8080", "apphostd server address (host:port)")
}

func main() {
	rootCmd.AddCommand(listCmd, statCmd, startCmd, stopCmd, restartCmd, rmCmd, logsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "apphostctl:", err)
		os.Exit(1)
	}
}

func baseURL() string {
	return "http://" + addr
}

// status mirrors manager.Status's JSON shape without importing the
// server packages, so apphostctl stays a standalone client of the wire
// protocol rather than linking the daemon's internals.
type status struct {
	Name         string         `json:"name"`
	State        string         `json:"state"`
	Info         map[string]any `json:"info"`
	StartTime    time.Time      `json:"start_time,omitempty"`
	Uptime       time.Duration  `json:"uptime"`
	RestartCount int            `json:"restart_count"`
	LastError    string         `json:"last_error,omitempty"`
}

func fetchJSON(path string, v any) error {
	resp, err := http.Get(baseURL() + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// colorize wraps s in an ANSI color code only when stdout is a real
// terminal.
func colorize(code, s string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return s
	}
	return fmt.Sprintf("\x1b[%sm%s\x1b[0m", code, s)
}

func colorizeState(s string) string {
	switch s {
	case "RUNNING":
		return colorize("32", s) // green
	case "STOPPED", "UNINITIALIZED":
		return colorize("90", s) // gray
	case "STOPPING":
		return colorize("33", s) // yellow
	default:
		return s
	}
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"status", "ls"},
	Short:   "list all registered apps and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var statuses []status
		if err := fetchJSON("/@api/list", &statuses); err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("no apps registered")
			return nil
		}
		for _, s := range statuses {
			uptime := "-"
			if s.State == "RUNNING" {
				uptime = humanize.RelTime(s.StartTime, time.Now(), "", "")
			}
			fmt.Printf("%-20s %-14s uptime=%-10s restarts=%-3d", s.Name, colorizeState(s.State), uptime, s.RestartCount)
			if s.LastError != "" {
				fmt.Printf(" last_error=%q", s.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <name>",
	Short: "show detailed status for one app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var s status
		if err := fetchJSON("/@api/stat/"+url.PathEscape(args[0]), &s); err != nil {
			return err
		}
		out, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func control(name, cmdName string) error {
	resp, err := http.Post(baseURL()+"/@api/control/"+url.PathEscape(name), "text/plain", strings.NewReader(cmdName))
	if err != nil {
		return fmt.Errorf("%s %s: %w", cmdName, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", cmdName, name, resp.Status, string(body))
	}
	fmt.Printf("%s: %s ok\n", name, strings.ToLower(cmdName))
	return nil
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "start a registered app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return control(args[0], "START") },
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "stop a running app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return control(args[0], "STOP") },
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "restart an app",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return control(args[0], "RESTART") },
}

var rmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "unregister (and stop, if running) an app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, baseURL()+"/@api/control/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("rm %s: %s: %s", args[0], resp.Status, string(body))
		}
		fmt.Printf("%s: removed\n", args[0])
		return nil
	},
}

var followFlag bool

var logsCmd = &cobra.Command{
	Use:   "logs <name>",
	Short: "show (or follow) an app's log backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if followFlag {
			return followLogsWS(args[0])
		}
		return printLogsSSE(args[0])
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "keep streaming new log lines after the backlog")
}

// printLogsSSE reads the SSE log stream for a single backlog snapshot
// and exits without following, using a plain bufio.Scanner over the
// response body. No WebSocket needed for the non-follow case.
func printLogsSSE(name string) error {
	resp, err := http.Get(baseURL() + "/@api/logs/" + url.PathEscape(name))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("logs %s: %s: %s", name, resp.Status, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			printLogLine(strings.TrimSpace(data))
			return nil // first record is the full backlog; non-follow mode stops here.
		}
	}
	return scanner.Err()
}

// followLogsWS dials the WebSocket log transport (/@api/logs/:name/ws)
// and prints every message (backlog first, one log line per subsequent
// message) until the connection closes.
func followLogsWS(name string) error {
	wsURL := "ws://" + addr + "/@api/logs/" + url.PathEscape(name) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("logs --follow %s: %s: %s", name, resp.Status, string(body))
		}
		return fmt.Errorf("logs --follow %s: %w", name, err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil // peer closed; expected on app/server shutdown.
		}
		printLogLine(string(data))
	}
}

func printLogLine(raw string) {
	var msgs []map[string]any
	if err := json.Unmarshal([]byte(raw), &msgs); err == nil {
		for _, m := range msgs {
			fmt.Printf("[%v] %v\n", m["level"], m["message"])
		}
		return
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		fmt.Printf("[%v] %v\n", m["level"], m["message"])
		return
	}
	fmt.Println(raw)
}
