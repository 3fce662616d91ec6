package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"datamake/internal/orchestrator"
	"datamake/internal/webapi"
)

type multiValueFlag []string

func (f *multiValueFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *multiValueFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

// exitCodeError carries a process exit code through the command tree. The
// plan's own exit code and the edit-cancel code travel this way; plain errors
// always exit 1.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	if err := executeCLI(normalizeArgs(os.Args[1:])); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// normalizeArgs treats an unrecognized first argument as a target list: a
// plain `datamake data/report.csv` is shorthand for `datamake run
// data/report.csv`.
func normalizeArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	first := args[0]
	if strings.HasPrefix(first, "-") {
		return args
	}
	if knownCommands[first] {
		return args
	}
	return append([]string{"run"}, args...)
}

var knownCommands = map[string]bool{
	"run":       true,
	"satisfied": true,
	"status":    true,
	"sessions":  true,
	"events":    true,
	"pointers":  true,
	"log":       true,
	"policy":    true,
	"bus":       true,
	"doctor":    true,
	"serve":     true,
	"health":    true,
	"help":      true,
	"--help":    true,
	"-h":        true,
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var verbosity int
	var noEdit bool
	var extraEnv multiValueFlag
	var policyPath string
	var dbPath string
	fs.IntVar(&verbosity, "v", -1, "Verbosity level (0=silent, 1=step progress, 2+=full output; default from policy)")
	fs.BoolVar(&noEdit, "no-edit", false, "Skip interactive plan editing")
	fs.Var(&extraEnv, "setenv", "Extra KEY=value for the plan environment (repeatable)")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .datamake/policy.json)")
	fs.StringVar(&dbPath, "db", ".datamake/datamake.db", "Path to SQLite DB")
	if err := fs.Parse(args); err != nil {
		return err
	}
	targets := fs.Args()
	if len(targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	if err := validateSetEnvEntries(extraEnv); err != nil {
		return err
	}

	service, err := orchestrator.NewService(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()

	options := orchestrator.RunOptions{
		Targets:    targets,
		Edit:       !noEdit && isInteractiveStdin() && isInteractiveStdout(),
		ExtraEnv:   extraEnv,
		PolicyPath: policyPath,
		Display:    os.Stdout,
		ErrOut:     os.Stderr,
	}
	if verbosity >= 0 {
		options.Verbosity = &verbosity
	}
	result, err := service.Run(context.Background(), options)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &exitCodeError{code: result.ExitCode}
	}
	if verbosity != 0 && !result.Satisfied {
		fmt.Printf("Session %s succeeded (workspace %s)\n", result.SessionID, result.Workspace)
	}
	return nil
}

func satisfiedCommand(args []string) error {
	fs := flag.NewFlagSet("satisfied", flag.ContinueOnError)
	var policyPath string
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .datamake/policy.json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	targets := fs.Args()
	if len(targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	service, err := orchestrator.NewService(".datamake/datamake.db")
	if err != nil {
		return err
	}
	defer func() { _ = service.Shutdown() }()

	result, err := service.Satisfied(context.Background(), orchestrator.SatisfiedOptions{
		Targets:    targets,
		PolicyPath: policyPath,
	})
	if err != nil {
		return err
	}
	if !result.Satisfied {
		fmt.Printf("%s not satisfied\n", strings.Join(result.Targets, ", "))
		return &exitCodeError{code: 1}
	}
	when := "unknown"
	if result.DoneAt != nil {
		when = result.DoneAt.Format(time.RFC3339)
	}
	fmt.Printf("%s satisfied (done at %s)\n", strings.Join(result.Targets, ", "), when)
	return nil
}

func healthCommand(args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	var addr string
	var timeoutSeconds int
	fs.StringVar(&addr, "addr", ":8722", "Status server address or base URL")
	fs.IntVar(&timeoutSeconds, "timeout", 15, "Request timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := webapi.NewClient(resolveHealthBaseURL(addr), time.Duration(timeoutSeconds)*time.Second)
	status, err := client.Health(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Status: %s\n", status.Status)
	fmt.Printf("Started: %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Printf("Worker: running=%t processed=%d errors=%d\n",
		status.Worker.Running, status.Worker.TotalProcessed, status.Worker.ConsecutiveErrors)
	fmt.Printf("Outbox: pending=%d processing=%d sent=%d failed=%d\n",
		status.Outbox.PendingCount, status.Outbox.ProcessingCount, status.Outbox.SentCount, status.Outbox.FailedCount)
	if status.Bus.Healthy {
		fmt.Println("Bus: healthy")
	} else {
		fmt.Printf("Bus: unhealthy (%s)\n", status.Bus.Error)
	}
	if status.Status != "ok" {
		return fmt.Errorf("server reports %s", status.Status)
	}
	return nil
}

// resolveHealthBaseURL turns a listen-style address into a client base URL.
func resolveHealthBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func validateSetEnvEntries(entries []string) error {
	for _, entry := range entries {
		key, _, found := strings.Cut(entry, "=")
		if !found || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid --setenv entry %q (expected KEY=value)", entry)
		}
	}
	return nil
}

func isInteractiveStdin() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func isInteractiveStdout() bool {
	stat, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func printUsage() {
	fmt.Println("datamake - run target-based data pipeline sessions")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  datamake run [-v N] [--no-edit] [--setenv K=V] <target>...")
	fmt.Println("  datamake <target>...                (shorthand for run)")
	fmt.Println("  datamake satisfied <target>...")
	fmt.Println("  datamake status [--session SESSION_ID]")
	fmt.Println("  datamake sessions [--limit N]")
	fmt.Println("  datamake events [--session SESSION_ID]")
	fmt.Println("  datamake pointers")
	fmt.Println("  datamake log [--session SESSION_ID] [--lines N]")
	fmt.Println("  datamake policy init|show")
	fmt.Println("  datamake bus process|stats")
	fmt.Println("  datamake doctor")
	fmt.Println("  datamake serve [--addr :8722]")
	fmt.Println("  datamake health [--addr :8722]")
}
