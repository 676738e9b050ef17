// Command marketctl drives a running monitor through its admin API. It is
// the operator's day-to-day tool: seeding proxies and tasks from YAML files,
// listing fleet state and purging stored matches.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultAddr = "http://localhost:8080"

func main() {
	fs := flag.NewFlagSet("marketctl", flag.ExitOnError)
	addr := fs.String("addr", getenv("MARKETCTL_ADDR", defaultAddr), "admin API base URL")
	token := fs.String("token", os.Getenv("ADMIN_API_TOKEN"), "admin API token")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: marketctl [flags] <command> [args]

Commands:
  tasks list
  tasks delete <id>
  tasks reset-next-check <id>
  tasks import -f tasks.yaml
  proxies list [-active]
  proxies import -f proxies.yaml
  proxies dedupe
  proxies check [-concurrent n]
  items list [-task id] [-limit n]
  items purge
  stats

Flags:
`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	c := &client{
		base:  strings.TrimRight(*addr, "/"),
		token: *token,
		http:  &http.Client{Timeout: *timeout},
	}
	ctx := context.Background()

	var err error
	switch args[0] {
	case "tasks":
		err = runTasks(ctx, c, args[1:])
	case "proxies":
		err = runProxies(ctx, c, args[1:])
	case "items":
		err = runItems(ctx, c, args[1:])
	case "stats":
		err = runStats(ctx, c)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "marketctl:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func runTasks(ctx context.Context, c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("tasks: missing subcommand (list, delete, reset-next-check, import)")
	}
	switch args[0] {
	case "list":
		var out struct {
			Tasks []taskRow `json:"tasks"`
		}
		if err := c.do(ctx, http.MethodGet, "/v1/tasks", nil, &out); err != nil {
			return err
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tNAME\tHASH NAME\tACTIVE\tNEXT CHECK\tCHECKS\tFOUND")
		for _, t := range out.Tasks {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%d\t%d\n",
				t.ID, t.Name, t.MarketHashName, t.Active,
				t.NextCheck.Format(time.RFC3339), t.TotalChecks, t.ItemsFound)
		}
		return tw.Flush()
	case "delete":
		id, err := idArg(args[1:])
		if err != nil {
			return fmt.Errorf("tasks delete: %w", err)
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/tasks/"+id, nil, nil); err != nil {
			return err
		}
		fmt.Printf("task %s deleted\n", id)
		return nil
	case "reset-next-check":
		id, err := idArg(args[1:])
		if err != nil {
			return fmt.Errorf("tasks reset-next-check: %w", err)
		}
		if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+id+"/reset-next-check", nil, nil); err != nil {
			return err
		}
		fmt.Printf("task %s is due now\n", id)
		return nil
	case "import":
		seeds, err := loadSeeds(args[1:])
		if err != nil {
			return fmt.Errorf("tasks import: %w", err)
		}
		return importRows(ctx, c, "/v1/tasks", "task", len(seeds.Tasks), func(i int) (string, any) {
			return seeds.Tasks[i].Name, seeds.Tasks[i]
		})
	default:
		return fmt.Errorf("tasks: unknown subcommand %q", args[0])
	}
}

func runProxies(ctx context.Context, c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("proxies: missing subcommand (list, import, dedupe, check)")
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("proxies list", flag.ExitOnError)
		active := fs.Bool("active", false, "only proxies in rotation")
		_ = fs.Parse(args[1:])
		path := "/v1/proxies"
		if *active {
			path += "?active=true"
		}
		var out struct {
			Proxies []proxyRow `json:"proxies"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tURL\tACTIVE\tDELAY\tOK\tFAIL\tBLOCKED UNTIL\tLAST ERROR")
		for _, p := range out.Proxies {
			blocked := "-"
			if p.BlockedUntil != nil {
				blocked = p.BlockedUntil.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%d\t%s\t%t\t%.1fs\t%d\t%d\t%s\t%s\n",
				p.ID, p.URL, p.Active, p.DelaySeconds,
				p.SuccessCount, p.FailCount, blocked, p.LastError)
		}
		return tw.Flush()
	case "import":
		seeds, err := loadSeeds(args[1:])
		if err != nil {
			return fmt.Errorf("proxies import: %w", err)
		}
		return importRows(ctx, c, "/v1/proxies", "proxy", len(seeds.Proxies), func(i int) (string, any) {
			return seeds.Proxies[i].URL, seeds.Proxies[i]
		})
	case "dedupe":
		var rep struct {
			Removed int `json:"removed"`
			Kept    int `json:"kept"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/proxies/dedupe", nil, &rep); err != nil {
			return err
		}
		fmt.Printf("removed %d duplicates, kept %d proxies\n", rep.Removed, rep.Kept)
		return nil
	case "check":
		fs := flag.NewFlagSet("proxies check", flag.ExitOnError)
		concurrent := fs.Int("concurrent", 0, "probe concurrency (0 uses the server default)")
		_ = fs.Parse(args[1:])
		var rep struct {
			Total       int `json:"total"`
			Working     int `json:"working"`
			RateLimited int `json:"rate_limited"`
			Errors      int `json:"errors"`
			Blocked     int `json:"blocked"`
			Unblocked   int `json:"unblocked"`
			Results     []struct {
				ProxyID int64  `json:"proxy_id"`
				URL     string `json:"url"`
				Status  string `json:"status"`
				Error   string `json:"error,omitempty"`
			} `json:"results"`
		}
		body := map[string]int{"concurrent": *concurrent}
		if err := c.do(ctx, http.MethodPost, "/v1/proxies/check", body, &rep); err != nil {
			return err
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tURL\tSTATUS\tERROR")
		for _, r := range rep.Results {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.ProxyID, r.URL, r.Status, r.Error)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d probed: %d working, %d rate limited, %d errors (%d blocked, %d unblocked)\n",
			rep.Total, rep.Working, rep.RateLimited, rep.Errors, rep.Blocked, rep.Unblocked)
		return nil
	default:
		return fmt.Errorf("proxies: unknown subcommand %q", args[0])
	}
}

func runItems(ctx context.Context, c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("items: missing subcommand (list, purge)")
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("items list", flag.ExitOnError)
		taskID := fs.Int64("task", 0, "only matches for one task")
		limit := fs.Int("limit", 50, "maximum rows")
		_ = fs.Parse(args[1:])
		path := fmt.Sprintf("/v1/items?limit=%d", *limit)
		if *taskID > 0 {
			path += fmt.Sprintf("&task_id=%d", *taskID)
		}
		var out struct {
			Items []itemRow `json:"items"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tTASK\tLISTING\tPRICE\tFOUND AT")
		for _, it := range out.Items {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%.2f %s\t%s\n",
				it.ID, it.TaskID, it.ListingID, it.Price, it.Currency,
				it.FoundAt.Format(time.RFC3339))
		}
		return tw.Flush()
	case "purge":
		var rep struct {
			Removed int64 `json:"removed"`
		}
		if err := c.do(ctx, http.MethodDelete, "/v1/items", nil, &rep); err != nil {
			return err
		}
		fmt.Printf("purged %d stored matches\n", rep.Removed)
		return nil
	default:
		return fmt.Errorf("items: unknown subcommand %q", args[0])
	}
}

func runStats(ctx context.Context, c *client) error {
	var st struct {
		TotalTasks   int   `json:"total_tasks"`
		ActiveTasks  int   `json:"active_tasks"`
		RunningTasks int   `json:"running_tasks"`
		TotalChecks  int64 `json:"total_checks"`
		ItemsFound   int64 `json:"items_found"`
		Tasks        []struct {
			ID         int64      `json:"id"`
			Name       string     `json:"name"`
			Active     bool       `json:"active"`
			ItemsFound int64      `json:"items_found"`
			LastCheck  *time.Time `json:"last_check"`
		} `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st); err != nil {
		return err
	}
	fmt.Printf("tasks: %d total, %d active, %d running now\n",
		st.TotalTasks, st.ActiveTasks, st.RunningTasks)
	fmt.Printf("checks: %d run, %d matches stored\n", st.TotalChecks, st.ItemsFound)
	tw := newTable()
	fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tFOUND\tLAST CHECK")
	for _, t := range st.Tasks {
		last := "-"
		if t.LastCheck != nil {
			last = t.LastCheck.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%s\n", t.ID, t.Name, t.Active, t.ItemsFound, last)
	}
	return tw.Flush()
}

// seedFile is the YAML layout both import commands read. A single file may
// carry both sections; each command applies only its own.
type seedFile struct {
	Proxies []proxySeed `yaml:"proxies"`
	Tasks   []taskSeed  `yaml:"tasks"`
}

type proxySeed struct {
	URL          string  `yaml:"url" json:"url"`
	DelaySeconds float64 `yaml:"delay_seconds" json:"delay_seconds"`
}

type taskSeed struct {
	Name                 string         `yaml:"name" json:"name"`
	MarketHashName       string         `yaml:"market_hash_name" json:"market_hash_name"`
	AppID                int            `yaml:"app_id" json:"app_id"`
	Currency             string         `yaml:"currency" json:"currency"`
	CheckIntervalSeconds int64          `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	Filters              map[string]any `yaml:"filters" json:"filters,omitempty"`
}

func loadSeeds(args []string) (*seedFile, error) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("f", "", "YAML seed file")
	_ = fs.Parse(args)
	if *file == "" {
		return nil, fmt.Errorf("missing -f <file.yaml>")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return nil, err
	}
	var seeds seedFile
	if err := yaml.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", *file, err)
	}
	return &seeds, nil
}

// importRows posts each seed row and keeps going past individual failures so
// one bad row does not abort a whole seed file.
func importRows(ctx context.Context, c *client, path, kind string, n int, row func(i int) (string, any)) error {
	if n == 0 {
		return fmt.Errorf("seed file has no %s entries", kind)
	}
	failed := 0
	for i := 0; i < n; i++ {
		name, body := row(i)
		if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "skipping %s %q: %v\n", kind, name, err)
			continue
		}
		fmt.Printf("added %s %q\n", kind, name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d %s rows failed", failed, n, kind)
	}
	return nil
}

func idArg(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("missing id")
	}
	if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
		return "", fmt.Errorf("id %q is not numeric", args[0])
	}
	return args[0], nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

type taskRow struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	MarketHashName string    `json:"market_hash_name"`
	Active         bool      `json:"active"`
	NextCheck      time.Time `json:"next_check"`
	TotalChecks    int64     `json:"total_checks"`
	ItemsFound     int64     `json:"items_found"`
}

type proxyRow struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Active       bool       `json:"active"`
	DelaySeconds float64    `json:"delay_seconds"`
	SuccessCount int64      `json:"success_count"`
	FailCount    int64      `json:"fail_count"`
	BlockedUntil *time.Time `json:"blocked_until"`
	LastError    string     `json:"last_error,omitempty"`
}

type itemRow struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	ListingID string    `json:"listing_id"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	FoundAt   time.Time `json:"found_at"`
}

// client is a thin JSON wrapper over the admin API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return apiFailure(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiFailure surfaces the server's error envelope when one is present.
func apiFailure(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
