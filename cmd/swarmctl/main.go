// swarmctl talks to a running swarm-coordinator over its HTTP API.
//
// Usage:
//
//	swarmctl announce --bounty 100 --deadline 1h --caps nlp,vision [--id t1]
//	swarmctl bid --task t1 --agent a1 --confidence 0.9 --caps nlp --eta 90s
//	swarmctl complete --task t1 --agent a1 [--failed]
//	swarmctl propose --task t1 --agent a1 --confidence 0.8 --file answer.txt
//	swarmctl vote --proposal <id> --agent a2 [--reject] [--reason "..."]
//	swarmctl status
//
// The coordinator address comes from --api or SWARM_API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultAPI = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "status":
		cmdGet("status", args, false, func(string) string { return "/api/health" })
	case "announce":
		cmdAnnounce(args)
	case "tasks":
		cmdGet("tasks", args, false, func(string) string { return "/api/tasks" })
	case "task":
		cmdGet("task", args, true, func(id string) string { return "/api/tasks/" + url.PathEscape(id) })
	case "bids":
		cmdGet("bids", args, true, func(id string) string { return "/api/tasks/" + url.PathEscape(id) + "/bids" })
	case "assignment":
		cmdGet("assignment", args, true, func(id string) string { return "/api/tasks/" + url.PathEscape(id) + "/assignment" })
	case "bid":
		cmdBid(args)
	case "complete":
		cmdComplete(args)
	case "cancel":
		cmdCancel(args)
	case "propose":
		cmdPropose(args)
	case "proposals":
		cmdGet("proposals", args, false, func(string) string { return "/api/proposals" })
	case "proposal":
		cmdGet("proposal", args, true, func(id string) string { return "/api/proposals/" + url.PathEscape(id) })
	case "tally":
		cmdGet("tally", args, true, func(id string) string { return "/api/proposals/" + url.PathEscape(id) + "/tally" })
	case "solution":
		cmdSolution(args)
	case "vote":
		cmdVote(args)
	case "agent":
		cmdGet("agent", args, true, func(id string) string { return "/api/agents/" + url.PathEscape(id) })
	case "agents":
		cmdGet("agents", args, false, func(string) string { return "/api/agents" })
	case "members":
		cmdGet("members", args, false, func(string) string { return "/api/members" })
	case "heartbeat":
		cmdHeartbeat(args)
	case "outcomes":
		cmdGet("outcomes", args, false, func(string) string { return "/api/outcomes" })
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: swarmctl <command> [flags]

Commands:
  status       Coordinator health
  announce     Offer a task to the swarm
  tasks        List tasks still collecting bids
  task         Show one open task (--id)
  bids         Show the bids on an open task (--id)
  bid          Bid on a task
  assignment   Show a task's assignment (--id)
  complete     Report an assigned task as done
  cancel       Cancel a task
  propose      Submit a solution for a vote
  proposals    List pending proposals
  proposal     Show one proposal (--id)
  tally        Show a proposal's current tally (--id)
  solution     Print a proposal's solution payload (--id)
  vote         Vote on a proposal
  agent        Show an agent's reputation profile (--id)
  agents       List every known profile
  members      List online members
  heartbeat    Register or refresh a member
  outcomes     List settled proposals

Run 'swarmctl <command> --help' for details on each command.
`)
}

// client is a thin JSON client for the coordinator API.
type client struct {
	base string
	http *http.Client
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	api := fs.String("api", envOr("SWARM_API", defaultAPI), "coordinator base URL")
	return fs, api
}

func newClient(api string) *client {
	return &client{
		base: strings.TrimRight(api, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// do sends body as JSON and returns the raw response. Non-2xx responses
// exit with the server's error message.
func (c *client) do(method, path string, body any) []byte {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("Encode request: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		log.Fatalf("Build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			fmt.Fprintf(os.Stderr, "Error (%d): %s\n", resp.StatusCode, e.Error)
		} else {
			fmt.Fprintf(os.Stderr, "Error (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		os.Exit(1)
	}
	return data
}

// printJSON pretty-prints a JSON response.
func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return
	}
	buf.WriteByte('\n')
	buf.WriteTo(os.Stdout)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requireFlag(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Fprintf(os.Stderr, "Error: --%s is required\n", name)
		fs.Usage()
		os.Exit(2)
	}
}

// cmdGet handles the read-only commands. path receives --id, which is
// mandatory when needsID is set.
func cmdGet(name string, args []string, needsID bool, path func(id string) string) {
	fs, api := newFlagSet(name)
	id := fs.String("id", "", "task, proposal or agent id")
	limit := fs.Int("limit", 0, "maximum rows (outcomes only)")
	fs.Parse(args)
	if needsID {
		requireFlag(fs, "id", *id)
	}
	p := path(*id)
	if *limit > 0 {
		p += fmt.Sprintf("?limit=%d", *limit)
	}
	printJSON(newClient(*api).do(http.MethodGet, p, nil))
}

func cmdAnnounce(args []string) {
	fs, api := newFlagSet("announce")
	id := fs.String("id", "", "task id (generated when empty)")
	desc := fs.String("desc", "", "task description")
	caps := fs.String("caps", "", "comma-separated required capabilities")
	bounty := fs.String("bounty", "0", "bounty, decimal")
	deadline := fs.Duration("deadline", time.Hour, "time from now until the task is due")
	minAgents := fs.Int("min", 1, "minimum assignees")
	maxAgents := fs.Int("max", 1, "maximum assignees")
	priority := fs.String("priority", "", "priority tag")
	fs.Parse(args)

	task := map[string]any{
		"id":                    *id,
		"description":           *desc,
		"required_capabilities": splitList(*caps),
		"bounty":                *bounty,
		"deadline":              time.Now().Add(*deadline).UTC(),
		"min_agents":            *minAgents,
		"max_agents":            *maxAgents,
		"priority":              *priority,
	}
	printJSON(newClient(*api).do(http.MethodPost, "/api/tasks", task))
}

func cmdBid(args []string) {
	fs, api := newFlagSet("bid")
	task := fs.String("task", "", "task id")
	agent := fs.String("agent", "", "bidder id")
	caps := fs.String("caps", "", "comma-separated capabilities")
	confidence := fs.Float64("confidence", 0.5, "confidence in [0,1]")
	eta := fs.Duration("eta", 0, "estimated completion time")
	reward := fs.String("reward", "0", "requested reward, decimal")
	fs.Parse(args)
	requireFlag(fs, "task", *task)
	requireFlag(fs, "agent", *agent)

	body := map[string]any{
		"bidder_id":        *agent,
		"capabilities":     splitList(*caps),
		"confidence":       *confidence,
		"requested_reward": *reward,
	}
	if *eta > 0 {
		body["estimated_time"] = eta.String()
	}
	printJSON(newClient(*api).do(http.MethodPost, "/api/tasks/"+url.PathEscape(*task)+"/bids", body))
}

func cmdComplete(args []string) {
	fs, api := newFlagSet("complete")
	task := fs.String("task", "", "task id")
	agent := fs.String("agent", "", "assignee id")
	failed := fs.Bool("failed", false, "report the task as failed")
	fs.Parse(args)
	requireFlag(fs, "task", *task)
	requireFlag(fs, "agent", *agent)

	body := map[string]any{"agent_id": *agent, "success": !*failed}
	printJSON(newClient(*api).do(http.MethodPost, "/api/tasks/"+url.PathEscape(*task)+"/complete", body))
}

func cmdCancel(args []string) {
	fs, api := newFlagSet("cancel")
	task := fs.String("task", "", "task id")
	reason := fs.String("reason", "", "cancellation reason")
	fs.Parse(args)
	requireFlag(fs, "task", *task)

	printJSON(newClient(*api).do(http.MethodPost, "/api/tasks/"+url.PathEscape(*task)+"/cancel", map[string]any{"reason": *reason}))
}

func cmdPropose(args []string) {
	fs, api := newFlagSet("propose")
	task := fs.String("task", "", "task id")
	agent := fs.String("agent", "", "proposer id")
	confidence := fs.Float64("confidence", 0.5, "confidence in [0,1]")
	file := fs.String("file", "", "solution file (- for stdin)")
	text := fs.String("text", "", "inline solution text")
	fs.Parse(args)
	requireFlag(fs, "task", *task)
	requireFlag(fs, "agent", *agent)

	var solution []byte
	switch {
	case *file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("Read stdin: %v", err)
		}
		solution = b
	case *file != "":
		b, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Read solution: %v", err)
		}
		solution = b
	default:
		solution = []byte(*text)
	}
	if len(solution) == 0 {
		fmt.Fprintln(os.Stderr, "Error: provide a solution with --file or --text")
		os.Exit(2)
	}

	body := map[string]any{
		"task_id":     *task,
		"proposer_id": *agent,
		"confidence":  *confidence,
		"solution":    solution,
	}
	printJSON(newClient(*api).do(http.MethodPost, "/api/proposals", body))
}

func cmdVote(args []string) {
	fs, api := newFlagSet("vote")
	proposal := fs.String("proposal", "", "proposal id")
	agent := fs.String("agent", "", "voter id")
	reject := fs.Bool("reject", false, "vote against")
	reason := fs.String("reason", "", "optional reason")
	fs.Parse(args)
	requireFlag(fs, "proposal", *proposal)
	requireFlag(fs, "agent", *agent)

	body := map[string]any{"voter_id": *agent, "support": !*reject, "reason": *reason}
	printJSON(newClient(*api).do(http.MethodPost, "/api/proposals/"+url.PathEscape(*proposal)+"/votes", body))
}

func cmdSolution(args []string) {
	fs, api := newFlagSet("solution")
	id := fs.String("id", "", "proposal id")
	out := fs.String("out", "", "write to file instead of stdout")
	fs.Parse(args)
	requireFlag(fs, "id", *id)

	data := newClient(*api).do(http.MethodGet, "/api/proposals/"+url.PathEscape(*id)+"/solution", nil)
	if *out == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		log.Fatalf("Write solution: %v", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), *out)
}

func cmdHeartbeat(args []string) {
	fs, api := newFlagSet("heartbeat")
	agent := fs.String("agent", "", "member id")
	addr := fs.String("addr", "", "advertised address")
	caps := fs.String("caps", "", "comma-separated capabilities")
	leave := fs.Bool("leave", false, "leave the swarm")
	fs.Parse(args)
	requireFlag(fs, "agent", *agent)

	body := map[string]any{"address": *addr, "capabilities": splitList(*caps), "leaving": *leave}
	printJSON(newClient(*api).do(http.MethodPost, "/api/members/"+url.PathEscape(*agent)+"/heartbeat", body))
}
