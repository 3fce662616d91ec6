package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"datamake/internal/eventbus"
	"datamake/internal/hsm"
	"datamake/internal/logpipe"
	"datamake/internal/model"
	"datamake/internal/planner"
	"datamake/internal/policy"
	"datamake/internal/proctree"
	"datamake/internal/store"
	"datamake/internal/supervisor"
)

type Service struct {
	store  *store.SQLiteStore
	bus    *eventbus.Runtime
	mirror *eventbus.Mirror
}

func NewService(dbPath string) (*Service, error) {
	sqliteStore := store.NewSQLiteStore(dbPath)
	if err := sqliteStore.Init(); err != nil {
		return nil, err
	}
	cfg, _, err := policy.Load("")
	if err != nil {
		cfg = policy.Default()
	}
	busRuntime := eventbus.NewRuntime(sqliteStore, cfg)
	if err := busRuntime.Start(context.Background()); err != nil {
		return nil, err
	}
	service := &Service{
		store: sqliteStore,
		bus:   busRuntime,
	}
	if err := service.registerBusHandlers(cfg); err != nil {
		return nil, err
	}
	return service, nil
}

// registerBusHandlers wires the status topic. With a Redis URL configured the
// outbox mirrors into a stream; without one it drains locally so standalone
// sessions never accumulate a backlog.
func (s *Service) registerBusHandlers(cfg policy.Config) error {
	if strings.TrimSpace(cfg.Events.RedisURL) == "" {
		return s.bus.RegisterLocalDrain(model.TopicSessionStatus)
	}
	mirror, err := eventbus.NewMirror(cfg, nil)
	if err != nil {
		return fmt.Errorf("connect event mirror: %w", err)
	}
	s.mirror = mirror
	return s.bus.RegisterHandler(model.TopicSessionStatus, mirror.Handler())
}

func (s *Service) Shutdown() error {
	if s.bus != nil {
		s.bus.Stop()
	}
	if s.mirror != nil {
		return s.mirror.Close()
	}
	return nil
}

type RunOptions struct {
	Targets    []string
	Verbosity  *int
	Edit       bool
	ExtraEnv   []string
	PolicyPath string
	InvokeDir  string
	Display    io.Writer
	ErrOut     io.Writer
}

type RunResult struct {
	SessionID string
	Status    model.SessionStatus
	Workspace string
	ExitCode  int
	Satisfied bool
	Edited    bool
	DoneAt    *time.Time
}

type SatisfiedOptions struct {
	Targets    []string
	PolicyPath string
}

type SatisfiedResult struct {
	Targets   []string
	Satisfied bool
	DoneAt    *time.Time
}

// sessionContext carries the mutable facts about the session being driven so
// transitions and bus payloads agree on what they describe.
type sessionContext struct {
	id        string
	targets   []string
	workspace string
	status    model.SessionStatus
	exitCode  *int
}

// Satisfied runs the done-oracle without recording a session. Used by the
// satisfied command for scripting.
func (s *Service) Satisfied(ctx context.Context, options SatisfiedOptions) (SatisfiedResult, error) {
	cfg, _, err := policy.Load(options.PolicyPath)
	if err != nil {
		return SatisfiedResult{}, err
	}
	targets := normalizeTargets(options.Targets)
	if len(targets) == 0 {
		return SatisfiedResult{}, fmt.Errorf("at least one target is required")
	}
	satisfied, err := newCollaborators(cfg).CheckSatisfied(ctx, targets)
	if err != nil {
		return SatisfiedResult{Targets: targets}, err
	}
	result := SatisfiedResult{Targets: targets, Satisfied: satisfied}
	if satisfied {
		if doneAt, doneErr := planner.DoneAt(targets); doneErr == nil {
			result.DoneAt = doneAt
		}
	}
	return result, nil
}

// Run drives one session from the done-oracle check through plan execution.
// Plan failures are reported through RunResult.ExitCode with a nil error;
// the error return is reserved for orchestrator and collaborator failures.
func (s *Service) Run(ctx context.Context, options RunOptions) (RunResult, error) {
	cfg, _, err := policy.Load(options.PolicyPath)
	if err != nil {
		return RunResult{ExitCode: model.ExitFailure}, err
	}
	if err := policy.Validate(cfg); err != nil {
		return RunResult{ExitCode: model.ExitFailure}, err
	}
	targets := normalizeTargets(options.Targets)
	if len(targets) == 0 {
		return RunResult{ExitCode: model.ExitFailure}, fmt.Errorf("at least one target is required")
	}
	verbosity := cfg.Display.Verbosity
	if options.Verbosity != nil {
		verbosity = *options.Verbosity
	}
	if verbosity < 0 {
		return RunResult{ExitCode: model.ExitFailure}, fmt.Errorf("verbosity must be >= 0")
	}
	display := options.Display
	if display == nil {
		display = io.Discard
	}
	errOut := options.ErrOut
	if errOut == nil {
		errOut = io.Discard
	}
	invokeDir := strings.TrimSpace(options.InvokeDir)
	if invokeDir == "" {
		invokeDir, err = os.Getwd()
		if err != nil {
			return RunResult{ExitCode: model.ExitFailure}, fmt.Errorf("resolve invoke dir: %w", err)
		}
	}
	collaborators := newCollaborators(cfg)

	sc, err := s.createSession(targets, verbosity, options)
	if err != nil {
		return RunResult{ExitCode: model.ExitFailure}, err
	}
	result := RunResult{SessionID: sc.id, Status: sc.status, ExitCode: model.ExitFailure}

	satisfied, err := collaborators.CheckSatisfied(ctx, targets)
	if err != nil {
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}
	if satisfied {
		code := model.ExitOK
		sc.exitCode = &code
		_ = s.transitionSession(sc, model.SessionStatusSatisfied, "all targets already satisfied")
		_ = s.store.MarkSessionFinished(sc.id, model.ExitOK)
		if doneAt, doneErr := planner.DoneAt(targets); doneErr == nil {
			result.DoneAt = doneAt
		}
		if verbosity >= 1 {
			printSatisfied(display, targets, result.DoneAt)
		}
		result.Status = sc.status
		result.Satisfied = true
		result.ExitCode = model.ExitOK
		return result, nil
	}

	if err := s.transitionSession(sc, model.SessionStatusPlanning, "targets not satisfied, requesting plan"); err != nil {
		return result, err
	}
	workspace, err := createWorkspace(cfg.Workspace.Root, sc.id)
	if err != nil {
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}
	sc.workspace = workspace
	result.Workspace = workspace
	if err := s.store.UpdateSessionWorkspace(sc.id, workspace, ""); err != nil {
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}
	driver, driverFile, err := openDriverLog(workspace)
	if err != nil {
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}
	defer driverFile.Close()
	driver = driver.With("session", sc.id)
	driver.Info("planning session", "targets", strings.Join(targets, ","), "workspace", workspace)

	writeVersionSnapshot(ctx, collaborators, workspace, driver)
	if err := writeEnvSnapshot(workspace); err != nil {
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}
	plan, err := collaborators.GeneratePlan(ctx, targets)
	if err != nil {
		driver.Error("planner failed", "error", err.Error())
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}
	planPath, originalPath, err := writePlanFiles(workspace, plan)
	if err != nil {
		s.abortSession(sc, model.ExitFailure, err.Error())
		result.Status = sc.status
		return result, err
	}

	editor := ""
	if options.Edit {
		editor = policy.ResolveEditor(cfg)
	}
	if editor != "" {
		if err := s.transitionSession(sc, model.SessionStatusEditing, "editing plan with "+editor); err != nil {
			return result, err
		}
		changed, editErr := editPlan(ctx, cfg.Execution.Shell, editor, planPath)
		if editErr != nil {
			s.abortSession(sc, model.ExitFailure, editErr.Error())
			result.Status = sc.status
			return result, editErr
		}
		if !changed {
			code := model.ExitEditCanceled
			sc.exitCode = &code
			_ = s.transitionSession(sc, model.SessionStatusCanceled, "plan unchanged after edit")
			_ = s.store.MarkSessionFinished(sc.id, model.ExitEditCanceled)
			driver.Info("session canceled, plan unchanged after edit")
			if err := os.RemoveAll(workspace); err != nil {
				driver.Warn("remove canceled workspace", "error", err.Error())
			}
			fmt.Fprintln(errOut, "plan unchanged, session canceled")
			result.Status = sc.status
			result.ExitCode = model.ExitEditCanceled
			return result, nil
		}
		workingDigest, workingErr := fileDigest(planPath)
		originalDigest, originalErr := fileDigest(originalPath)
		if workingErr == nil && originalErr == nil && workingDigest == originalDigest {
			_ = os.Remove(originalPath)
			driver.Info("edited plan identical to original, dropped original copy")
		} else {
			result.Edited = true
			if err := s.store.UpdateSessionEdited(sc.id, true); err != nil {
				driver.Warn("record edited flag", "error", err.Error())
			}
		}
	}

	exitCode, execErr := s.executePlan(ctx, executeParams{
		cfg:       cfg,
		sc:        sc,
		planPath:  planPath,
		verbosity: verbosity,
		invokeDir: invokeDir,
		extraEnv:  options.ExtraEnv,
		display:   display,
		driver:    driver,
	})
	if execErr != nil {
		s.abortSession(sc, exitCode, execErr.Error())
		result.Status = sc.status
		result.ExitCode = exitCode
		return result, execErr
	}
	if exitCode == model.ExitOK {
		if err := s.store.RotateFinished(sc.id, workspace); err != nil {
			driver.Warn("rotate finished pointer", "error", err.Error())
		}
		code := model.ExitOK
		sc.exitCode = &code
		_ = s.transitionSession(sc, model.SessionStatusSucceeded, "plan succeeded")
		driver.Info("session succeeded")
		result.Status = sc.status
		result.ExitCode = model.ExitOK
		return result, nil
	}
	_ = s.store.SetPointer(model.PointerAborted, sc.id, workspace)
	message := fmt.Sprintf("plan exited with code %d", exitCode)
	_ = s.transitionSession(sc, model.SessionStatusAborted, message)
	driver.Error("session aborted", "exit_code", exitCode)
	fmt.Fprintf(errOut, "error: %s (workspace %s)\n", message, workspace)
	if verbosity < 2 {
		printLogTail(errOut, filepath.Join(workspace, model.UnifiedLogFileName), cfg.Display.TailLines)
	}
	result.Status = sc.status
	result.ExitCode = exitCode
	return result, nil
}

type executeParams struct {
	cfg       policy.Config
	sc        *sessionContext
	planPath  string
	verbosity int
	invokeDir string
	extraEnv  []string
	display   io.Writer
	driver    *slog.Logger
}

// executePlan runs the working plan copy under full supervision: log
// pipeline attached, own process group, signal traps escalating through the
// supervisor, unconditional descendant sweep afterwards. Returns the exit
// code to report; the error is non-nil only for orchestrator failures.
func (s *Service) executePlan(ctx context.Context, params executeParams) (int, error) {
	sc := params.sc
	cfg := params.cfg

	if err := os.Chmod(params.planPath, 0o755); err != nil {
		return model.ExitFailure, fmt.Errorf("mark plan executable: %w", err)
	}
	pipe, err := logpipe.Open(logpipe.Options{
		Workspace: sc.workspace,
		Verbosity: params.verbosity,
		Display:   params.display,
		Marker:    policy.StepMarker,
	})
	if err != nil {
		return model.ExitFailure, fmt.Errorf("open log pipeline: %w", err)
	}

	invocationID := newInvocationID()
	if err := s.store.UpdateSessionWorkspace(sc.id, sc.workspace, invocationID); err != nil {
		_ = pipe.Close()
		return model.ExitFailure, err
	}
	if err := s.transitionSession(sc, model.SessionStatusRunning, "executing plan"); err != nil {
		_ = pipe.Close()
		return model.ExitFailure, err
	}
	if err := s.store.SetPointer(model.PointerRunning, sc.id, sc.workspace); err != nil {
		_ = pipe.Close()
		return model.ExitFailure, err
	}
	if err := s.store.SetPointer(model.PointerLatest, sc.id, sc.workspace); err != nil {
		_ = pipe.Close()
		_ = s.store.RemovePointer(model.PointerRunning)
		return model.ExitFailure, err
	}

	root, err := filepath.Abs(params.invokeDir)
	if err != nil {
		root = params.invokeDir
	}
	workspaceAbs, err := filepath.Abs(sc.workspace)
	if err != nil {
		workspaceAbs = sc.workspace
	}
	sup := supervisor.New(supervisor.Options{
		BackoffUnit: time.Duration(cfg.Supervision.BackoffUnitMillis) * time.Millisecond,
		MaxRounds:   uint(cfg.Supervision.MaxRounds),
		Logger:      params.driver,
	})
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, supervisor.TrappedSignals...)
	go func() {
		for range signalCh {
			go func() { _ = sup.Escalate(supervisor.StopSignal) }()
		}
	}()

	cmd := exec.Command(cfg.Execution.Shell, params.planPath)
	cmd.Stdout = pipe.Stdout()
	cmd.Stderr = pipe.Stderr()
	cmd.WaitDelay = time.Duration(cfg.Execution.WaitDelaySeconds) * time.Second
	proctree.ConfigureGroup(cmd)
	cmd.Env = append(os.Environ(), params.extraEnv...)
	cmd.Env = append(cmd.Env,
		model.EnvRoot+"="+root,
		model.EnvWorkspace+"="+workspaceAbs,
		model.EnvSession+"="+sc.id,
		model.EnvRunID+"="+invocationID,
		model.EnvInvokeDir+"="+params.invokeDir,
		model.EnvStepMarker+"="+policy.StepMarker,
	)

	if err := cmd.Start(); err != nil {
		signal.Stop(signalCh)
		close(signalCh)
		_ = pipe.Close()
		// nothing executed, so neither pointer may survive
		_ = s.store.RemovePointer(model.PointerRunning)
		_ = s.store.RemovePointer(model.PointerLatest)
		return model.ExitFailure, fmt.Errorf("start plan: %w", err)
	}
	childPID := cmd.Process.Pid
	sup.SetChild(childPID)
	_ = s.store.MarkSessionStarted(sc.id, childPID)
	params.driver.Info("plan started", "pid", childPID, "invocation", invocationID)

	waitErr := cmd.Wait()
	exitCode, execErr := classifyExit(waitErr, cmd.ProcessState)

	signal.Stop(signalCh)
	close(signalCh)
	if err := pipe.Close(); err != nil {
		params.driver.Warn("close log pipeline", "error", err.Error())
	}
	if err := sup.Sweep(); err != nil {
		params.driver.Warn("descendant sweep", "error", err.Error())
	}
	sup.ClearChild()

	_ = s.store.MarkSessionFinished(sc.id, exitCode)
	code := exitCode
	sc.exitCode = &code
	_ = s.store.RemovePointer(model.PointerRunning)
	params.driver.Info("plan exited", "exit_code", exitCode)

	if execErr != nil {
		return exitCode, fmt.Errorf("wait for plan: %w", execErr)
	}
	return exitCode, nil
}

// classifyExit maps a Wait outcome to the exit code the session reports.
// Signal deaths become 128+signal. ErrWaitDelay means orphaned descendants
// still held the output pipes when the grace period ran out; the child's own
// status stands and the sweep deals with the stragglers.
func classifyExit(waitErr error, state *os.ProcessState) (int, error) {
	if waitErr == nil {
		return model.ExitOK, nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		return exitStatus(state), nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitStatus(exitErr.ProcessState), nil
	}
	return model.ExitFailure, waitErr
}

func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return model.ExitFailure
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return model.SignalExitCode(int(ws.Signal()))
	}
	return state.ExitCode()
}

func (s *Service) createSession(targets []string, verbosity int, options RunOptions) (*sessionContext, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		sessionID := generateSessionID()
		spec := model.SessionSpec{
			SessionID:  sessionID,
			Targets:    targets,
			Verbosity:  verbosity,
			Edit:       options.Edit,
			PolicyPath: options.PolicyPath,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.CreateSession(spec); err != nil {
			lastErr = err
			continue
		}
		_ = s.store.AddEvent(sessionID, "created", "", string(model.SessionStatusChecking), "session created")
		return &sessionContext{id: sessionID, targets: targets, status: model.SessionStatusChecking}, nil
	}
	return nil, fmt.Errorf("allocate session id: %w", lastErr)
}

func (s *Service) transitionSession(sc *sessionContext, to model.SessionStatus, message string) error {
	if !hsm.CanTransitionSession(sc.status, to) {
		return fmt.Errorf("illegal session transition %s -> %s", sc.status, to)
	}
	errorText := ""
	if to == model.SessionStatusAborted {
		errorText = message
	}
	if err := s.store.UpdateSessionStatus(sc.id, to, errorText); err != nil {
		return err
	}
	_ = s.store.AddEvent(sc.id, "transition", string(sc.status), string(to), message)
	_ = s.publishStatus(sc, to)
	sc.status = to
	return nil
}

func (s *Service) abortSession(sc *sessionContext, exitCode int, message string) {
	code := exitCode
	sc.exitCode = &code
	_ = s.transitionSession(sc, model.SessionStatusAborted, message)
	_ = s.store.MarkSessionFinished(sc.id, exitCode)
}

// publishStatus enqueues a status event and drains the outbox inline.
// Best-effort: a full broker outage must never change a session's outcome.
func (s *Service) publishStatus(sc *sessionContext, to model.SessionStatus) error {
	if s.bus == nil {
		return nil
	}
	event := model.SessionStatusEvent{
		SessionID:  sc.id,
		Targets:    sc.targets,
		FromStatus: string(sc.status),
		ToStatus:   string(to),
		Workspace:  sc.workspace,
		ExitCode:   sc.exitCode,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.bus.Publish(model.TopicSessionStatus, sc.id, event); err != nil {
		return err
	}
	_, err := s.bus.ProcessOnce(context.Background(), 50)
	return err
}

func newCollaborators(cfg policy.Config) planner.Collaborators {
	return planner.Collaborators{
		Shell:          cfg.Execution.Shell,
		OracleCommand:  cfg.Collaborators.OracleCommand,
		PlanCommand:    cfg.Collaborators.PlanCommand,
		VersionCommand: cfg.Collaborators.VersionCommand,
	}
}

func normalizeTargets(values []string) []string {
	seen := map[string]bool{}
	result := []string{}
	for _, value := range values {
		parts := strings.Split(value, ",")
		for _, part := range parts {
			token := strings.TrimSpace(part)
			if token == "" || seen[token] {
				continue
			}
			seen[token] = true
			result = append(result, token)
		}
	}
	return result
}

func printSatisfied(w io.Writer, targets []string, doneAt *time.Time) {
	when := "unknown"
	if doneAt != nil {
		when = doneAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%s already satisfied (done at %s)\n", strings.Join(targets, ", "), when)
}

func printLogTail(w io.Writer, path string, lines int) {
	if lines <= 0 {
		lines = 20
	}
	tail, err := logpipe.Tail(path, lines)
	if err != nil || len(tail) == 0 {
		return
	}
	fmt.Fprintf(w, "last %d log lines:\n", len(tail))
	for _, line := range tail {
		fmt.Fprintln(w, "  "+line)
	}
}
