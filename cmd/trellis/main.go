// Command trellis is the Trellis CLI client.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/trellis/hierarchy"
	"github.com/GoCodeAlone/trellis/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "trellis server URL")
		token     = flag.String("token", os.Getenv("TRELLIS_TOKEN"), "bearer auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "sync":
		err = cli.cmdSync(rest)
	case "checkpoints":
		err = cli.cmdCheckpoints(rest)
	case "escalations":
		err = cli.cmdEscalations(rest)
	case "escalation":
		err = cli.cmdEscalation(rest)
	case "cursor":
		err = cli.cmdCursor(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `trellis — Trellis CLI

Usage:
  trellis [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  bearer auth token (or $TRELLIS_TOKEN)

Commands:
  version                                  print version
  status                                   show server status
  sync <graph> <tasks.yaml>                sync a task-definition file
  checkpoints <graph> [task]               list checkpoints
  escalations <graph>                      list escalations
  escalation ack <graph> <id> <by>         acknowledge an escalation
  escalation resolve <graph> <id> <by> <resolution>
                                           resolve an escalation
  cursor <agent> <project> <branch>        show an agent cursor
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("trellis %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// post performs a POST with a JSON body and decodes JSON into v.
func (c *Client) post(path string, body, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

func (c *Client) do(method, path string, body, v any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var out map[string]string
	if err := c.get("/api/status", &out); err != nil {
		return err
	}
	fmt.Printf("status: %s (server %s)\n", out["status"], out["version"])
	return nil
}

// --- sync ---

// taskFile is the on-disk shape of a task-definition source file.
type taskFile struct {
	Tasks               []hierarchy.TaskDefinition `yaml:"tasks"`
	CreateRelationships *bool                      `yaml:"create_relationships"`
	InitialStatus       hierarchy.Status           `yaml:"initial_status"`
}

func (c *Client) cmdSync(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: trellis sync <graph> <tasks.yaml>")
	}
	graphID, path := args[0], args[1]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	rels := true
	if file.CreateRelationships != nil {
		rels = *file.CreateRelationships
	}
	body := map[string]any{
		"tasks":                file.Tasks,
		"create_relationships": rels,
		"initial_status":       file.InitialStatus,
	}

	var res hierarchy.Result
	if err := c.post("/api/graph/"+url.PathEscape(graphID)+"/sync", body, &res); err != nil {
		return err
	}
	fmt.Printf("synced %d task(s): %d created, %d updated, %d relationship(s) created\n",
		len(res.Processed), res.TasksCreated, res.TasksUpdated, res.RelationshipsCreated)
	return nil
}

// --- checkpoints ---

func (c *Client) cmdCheckpoints(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trellis checkpoints <graph> [task]")
	}
	path := "/api/graph/" + url.PathEscape(args[0]) + "/checkpoints"
	if len(args) > 1 {
		path += "?task=" + url.QueryEscape(args[1])
	}

	var out struct {
		Checkpoints []struct {
			ID        string    `json:"id"`
			TaskID    string    `json:"task_id"`
			AgentID   string    `json:"agent_id"`
			GitCommit string    `json:"git_commit"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"checkpoints"`
		Total int `json:"total"`
	}
	if err := c.get(path, &out); err != nil {
		return err
	}
	for _, cp := range out.Checkpoints {
		fmt.Printf("%s  %s  task=%s agent=%s commit=%s\n",
			cp.CreatedAt.Format(time.RFC3339), cp.ID, cp.TaskID, cp.AgentID, cp.GitCommit)
	}
	fmt.Printf("%d of %d checkpoint(s)\n", len(out.Checkpoints), out.Total)
	return nil
}

// --- escalations ---

func (c *Client) cmdEscalations(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trellis escalations <graph>")
	}

	var out struct {
		Escalations []struct {
			ID       string `json:"id"`
			TaskID   string `json:"task_id"`
			AgentID  string `json:"agent_id"`
			Severity string `json:"severity"`
			Status   string `json:"status"`
			Reason   string `json:"reason"`
		} `json:"escalations"`
		Total int `json:"total"`
	}
	if err := c.get("/api/graph/"+url.PathEscape(args[0])+"/escalations", &out); err != nil {
		return err
	}
	for _, e := range out.Escalations {
		fmt.Printf("[%s] %s  %s  task=%s agent=%s  %s\n",
			e.Severity, e.Status, e.ID, e.TaskID, e.AgentID, e.Reason)
	}
	fmt.Printf("%d of %d escalation(s)\n", len(out.Escalations), out.Total)
	return nil
}

func (c *Client) cmdEscalation(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: trellis escalation <ack|resolve> ...")
	}
	switch args[0] {
	case "ack":
		if len(args) < 4 {
			return fmt.Errorf("usage: trellis escalation ack <graph> <id> <by>")
		}
		path := "/api/graph/" + url.PathEscape(args[1]) + "/escalations/" + url.PathEscape(args[2]) + "/acknowledge"
		var out map[string]any
		if err := c.post(path, map[string]string{"acknowledged_by": args[3]}, &out); err != nil {
			return err
		}
		fmt.Printf("escalation %s acknowledged\n", args[2])
		return nil
	case "resolve":
		if len(args) < 5 {
			return fmt.Errorf("usage: trellis escalation resolve <graph> <id> <by> <resolution>")
		}
		path := "/api/graph/" + url.PathEscape(args[1]) + "/escalations/" + url.PathEscape(args[2]) + "/resolve"
		body := map[string]string{
			"resolved_by": args[3],
			"resolution":  strings.Join(args[4:], " "),
		}
		var out map[string]any
		if err := c.post(path, body, &out); err != nil {
			return err
		}
		fmt.Printf("escalation %s resolved\n", args[2])
		return nil
	default:
		return fmt.Errorf("unknown escalation subcommand: %s", args[0])
	}
}

// --- cursor ---

func (c *Client) cmdCursor(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: trellis cursor <agent> <project> <branch>")
	}
	path := fmt.Sprintf("/api/cursors/%s?project=%s&branch=%s",
		url.PathEscape(args[0]), url.QueryEscape(args[1]), url.QueryEscape(args[2]))

	var out struct {
		AgentID     string    `json:"agent_id"`
		Status      string    `json:"status"`
		CurrentTask string    `json:"current_task"`
		LastEventID string    `json:"last_event_id"`
		UpdatedAt   time.Time `json:"updated_at"`
	}
	if err := c.get(path, &out); err != nil {
		return err
	}
	fmt.Printf("%s  %s  task=%s last_event=%s updated=%s\n",
		out.AgentID, out.Status, out.CurrentTask, out.LastEventID,
		out.UpdatedAt.Format(time.RFC3339))
	return nil
}
