// adjutantctl is the operator CLI for the Adjutant control plane.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultServer = "http://localhost:8080"
)

type cliConfig struct {
	server     string
	apiKey     string
	actor      string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.apiKey, cfg.actor)
	ctx := context.Background()

	switch command {
	case "schedules":
		err = runSchedules(ctx, client, cfg, args)
	case "schedule":
		err = runSchedule(ctx, client, cfg, args)
	case "create":
		err = runCreate(ctx, client, cfg, args)
	case "pause":
		err = runStateCommand(ctx, client, cfg, "pause", args)
	case "resume":
		err = runStateCommand(ctx, client, cfg, "resume", args)
	case "archive":
		err = runStateCommand(ctx, client, cfg, "archive", args)
	case "run-now":
		err = runRunNow(ctx, client, cfg, args)
	case "cancel":
		err = runCancel(ctx, client, cfg, args)
	case "executions":
		err = runExecutions(ctx, client, cfg, args)
	case "audit":
		err = runAudit(ctx, client, cfg, args)
	case "timer":
		err = runTimer(ctx, client, cfg, args)
	case "keys":
		err = runKeys(ctx, client, cfg, args)
	case "version":
		fmt.Printf("adjutantctl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     defaultServer,
		apiKey:     os.Getenv("ADJUTANT_API_KEY"),
		actor:      os.Getenv("USER"),
		jsonOutput: false,
	}
	if v := os.Getenv("ADJUTANT_SERVER"); v != "" {
		cfg.server = v
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--actor":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--actor requires a value")
			}
			cfg.actor = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: adjutantctl [--server <url>] [--api-key <key>] [--actor <id>] [--json] <command>

Commands:
  schedules [--state <s>] [--type <t>]
                            List schedules
  schedule <id>             Show schedule details
  create <file.json|->     Create a schedule from a JSON definition
  pause <id> [reason]       Pause an active schedule
  resume <id>               Resume a paused schedule
  archive <id>              Archive a terminal schedule
  run-now <id>              Trigger an immediate run
  cancel <id>               Cancel a schedule
  executions <id>           List executions for a schedule
  audit <id>                Show the lifecycle audit log
  timer                     Show timer engine health
  keys list                 List API keys
  keys create --name <name> --perms <perms> [--expires-days <n>]
                            Create a new API key
  keys revoke <id>          Disable an API key
`)
}

func runSchedules(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	state := ""
	scheduleType := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state":
			if i+1 >= len(args) {
				return fmt.Errorf("--state requires a value")
			}
			state = args[i+1]
			i++
		case "--type":
			if i+1 >= len(args) {
				return fmt.Errorf("--type requires a value")
			}
			scheduleType = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	scheds, err := client.ListSchedules(ctx, state, scheduleType)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, scheds)
	}

	headers := []string{"ID", "TYPE", "STATE", "NEXT RUN", "LAST RUN", "FAILURES"}
	rows := make([][]string, 0, len(scheds))
	for _, s := range scheds {
		rows = append(rows, []string{
			Truncate(s.ID, 36),
			s.ScheduleType,
			ColorState(s.State),
			FormatTimePtr(s.NextRunAt),
			FormatTimePtr(s.LastRunAt),
			strconv.Itoa(s.FailureCount),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d schedules\n", len(scheds))
	return nil
}

func runSchedule(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adjutantctl schedule <id>")
	}

	sched, err := client.Schedule(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, sched)
	}

	fmt.Printf("ID: %s\n", sched.ID)
	fmt.Printf("Task Intent: %s\n", sched.TaskIntentID)
	fmt.Printf("Type: %s\n", sched.ScheduleType)
	fmt.Printf("State: %s\n", ColorState(sched.State))
	fmt.Printf("Timezone: %s\n", sched.Timezone)
	fmt.Printf("Next Run: %s\n", FormatTimePtr(sched.NextRunAt))
	fmt.Printf("Last Run: %s\n", FormatTimePtr(sched.LastRunAt))
	fmt.Printf("Last Status: %s\n", StringOrDash(sched.LastRunStatus))
	fmt.Printf("Failures: %d\n", sched.FailureCount)
	fmt.Printf("Created: %s\n", FormatTime(sched.CreatedAt))
	return nil
}

func runCreate(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adjutantctl create <file.json|->")
	}

	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	sched, err := client.CreateSchedule(ctx, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, sched)
	}

	fmt.Printf("Created schedule %s (%s, %s)\n", sched.ID, sched.ScheduleType, sched.State)
	return nil
}

func runStateCommand(ctx context.Context, client *APIClient, cfg cliConfig, command string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: adjutantctl %s <id> [reason]", command)
	}
	reason := strings.Join(args[1:], " ")

	sched, err := client.ScheduleCommand(ctx, args[0], command, reason)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, sched)
	}

	fmt.Printf("Schedule %s is now %s\n", sched.ID, sched.State)
	return nil
}

func runRunNow(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adjutantctl run-now <id>")
	}

	sched, err := client.ScheduleCommand(ctx, args[0], "run-now", "")
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, sched)
	}

	fmt.Printf("Run accepted for schedule %s\n", sched.ID)
	return nil
}

func runCancel(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adjutantctl cancel <id>")
	}
	if err := client.CancelSchedule(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Schedule %s canceled\n", args[0])
	return nil
}

func runExecutions(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adjutantctl executions <id>")
	}

	execs, err := client.Executions(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, execs)
	}

	headers := []string{"ID", "STATUS", "TRIGGER", "ATTEMPT", "SCHEDULED FOR", "FINISHED", "ERROR"}
	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, []string{
			Truncate(e.ID, 36),
			ColorState(e.Status),
			e.TriggerSource,
			strconv.Itoa(e.AttemptCount),
			FormatTime(e.ScheduledFor),
			FormatTimePtr(e.FinishedAt),
			StringOrDash(e.ErrorCode),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d executions\n", len(execs))
	return nil
}

func runAudit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: adjutantctl audit <id>")
	}

	entries, err := client.ScheduleAudit(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, entries)
	}

	headers := []string{"TIME", "EVENT", "ACTOR", "CHANNEL", "DETAIL"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := StringOrDash(e.DiffSummary)
		if detail == "-" {
			detail = StringOrDash(e.Reason)
		}
		rows = append(rows, []string{
			FormatTime(e.OccurredAt),
			e.EventType,
			e.ActorType,
			e.Channel,
			Truncate(detail, 48),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	return nil
}

func runTimer(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: adjutantctl timer")
	}

	health, err := client.TimerHealth(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, health)
	}

	fmt.Printf("Status: %s\n", ColorState(health.Status))
	if health.Detail != "" {
		fmt.Printf("Detail: %s\n", health.Detail)
	}
	return nil
}

func runKeys(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: adjutantctl keys list|create|revoke")
	}

	switch args[0] {
	case "list":
		if len(args) != 1 {
			return fmt.Errorf("usage: adjutantctl keys list")
		}
		resp, err := client.ListKeys(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		headers := []string{"ID", "NAME", "PREFIX", "PERMISSIONS", "ENABLED", "EXPIRES"}
		rows := make([][]string, 0, len(resp.Keys))
		for _, k := range resp.Keys {
			rows = append(rows, []string{
				k.ID,
				k.Name,
				k.KeyPrefix,
				strings.Join(k.Permissions, ","),
				strconv.FormatBool(k.Enabled),
				FormatTimePtr(k.ExpiresAt),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d keys\n", resp.Total)
		return nil
	case "create":
		name := ""
		permsArg := ""
		expiresDays := 0
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--name":
				if i+1 >= len(args) {
					return fmt.Errorf("--name requires a value")
				}
				name = args[i+1]
				i++
			case "--perms":
				if i+1 >= len(args) {
					return fmt.Errorf("--perms requires a value")
				}
				permsArg = args[i+1]
				i++
			case "--expires-days":
				if i+1 >= len(args) {
					return fmt.Errorf("--expires-days requires a value")
				}
				n, err := strconv.Atoi(args[i+1])
				if err != nil || n < 0 {
					return fmt.Errorf("--expires-days must be a non-negative integer")
				}
				expiresDays = n
				i++
			default:
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		if permsArg == "" {
			return fmt.Errorf("--perms is required")
		}

		perms := parsePerms(permsArg)
		if len(perms) == 0 {
			return fmt.Errorf("--perms must contain at least one permission")
		}

		resp, err := client.CreateKey(ctx, name, perms, expiresDays)
		if err != nil {
			return err
		}
		if cfg.jsonOutput {
			return PrintJSON(os.Stdout, resp)
		}

		fmt.Printf("Plain Key: %s\n", resp.PlainKey)
		fmt.Printf("ID: %s\n", resp.Key.ID)
		fmt.Printf("Name: %s\n", resp.Key.Name)
		fmt.Printf("Prefix: %s\n", resp.Key.KeyPrefix)
		fmt.Printf("Permissions: %s\n", strings.Join(resp.Key.Permissions, ","))
		if resp.Warning != "" {
			fmt.Printf("Warning: %s\n", resp.Warning)
		}
		return nil
	case "revoke":
		if len(args) != 2 {
			return fmt.Errorf("usage: adjutantctl keys revoke <id>")
		}
		if err := client.RevokeKey(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Key %s revoked\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown keys command: %s", args[0])
	}
}

func parsePerms(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := map[string]struct{}{}
	perms := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}

	return perms
}

