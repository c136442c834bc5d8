// Package daemon manages the voxtune background process: singleton lock,
// pid/addr files, startup recovery, and clean shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/voxtune/voxtune/internal/gateway"
	"github.com/voxtune/voxtune/internal/httpapi"
	"github.com/voxtune/voxtune/internal/orchestrator"
	"github.com/voxtune/voxtune/internal/otel"
	"github.com/voxtune/voxtune/internal/runner"
	"github.com/voxtune/voxtune/internal/store"
)

const DefaultPort = 3646

func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	// Ensure dirs exist.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return err
	}

	// Acquire singleton lock (released on exit).
	lock, err := acquireLock(lockPath(opts.Home))
	if err != nil {
		return err
	}
	defer lock.release()

	// Optional pprof.
	startPprof(opts.PprofAddr)

	// Ensure DB schema exists before serving (SQLite only; Postgres migrates on connect).
	if opts.DBDriver != "postgres" {
		if err := store.EnsureSchema(opts.Home); err != nil {
			return err
		}
	}

	// Write PID + addr files.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	addr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	// Early port check for clearer error.
	if err := checkPortAvailable(opts.Port); err != nil {
		return err
	}

	srvOpts := httpapi.ServerOptions{
		Home:      opts.Home,
		Addr:      addr,
		Dev:       opts.Dev,
		APIKey:    os.Getenv("VOXTUNE_API_KEY"),
		DBDriver:  opts.DBDriver,
		DBURL:     opts.DBURL,
		Evaluator: buildEvaluator(opts),
		Optimizer: buildOptimizer(opts),
		Gateway:   buildGateway(opts),
		Orch: orchestrator.Options{
			MaxConcurrentJobs: opts.MaxConcurrent,
			QualityGate:       opts.QualityGate,
			EvalRetries:       opts.EvalRetries,
		},
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "voxtune")
		if err != nil {
			slog.Warn("otel init failed, using legacy metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
			_ = otel.InitMetrics(ctx)
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		return err
	}

	// Jobs from a previous process cannot be resumed; fail them before
	// accepting new work so their agents' slots free up.
	if n, err := app.Orch.RecoverInterrupted(ctx); err != nil {
		slog.Warn("startup recovery failed", "err", err)
	} else if n > 0 {
		slog.Info("recovered interrupted jobs", "count", n)
	}

	slog.Info("daemon starting", "addr", addr, "home", opts.Home)
	errCh := make(chan error, 1)
	go func() {
		// Orphan sweeper runs alongside the HTTP server.
		go app.Orch.RunSweeper(ctx, time.Duration(opts.SweepSec*float64(time.Second)))
		errCh <- app.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildEvaluator(opts StartOptions) runner.Evaluator {
	if opts.Runner == "subprocess" && opts.RunnerCmd != "" {
		return runner.Subprocess{Command: opts.RunnerCmd, Args: opts.RunnerArgs}
	}
	return nil // httpapi falls back to the stub
}

func buildOptimizer(opts StartOptions) runner.Optimizer {
	if opts.Runner == "subprocess" && opts.RunnerCmd != "" {
		return runner.Subprocess{Command: opts.RunnerCmd, Args: opts.RunnerArgs}
	}
	return nil
}

func buildGateway(opts StartOptions) gateway.Gateway {
	url := opts.GatewayURL
	if url == "" {
		url = os.Getenv("VOXTUNE_PLATFORM_URL")
	}
	token := opts.GatewayToken
	if token == "" {
		token = os.Getenv("VOXTUNE_PLATFORM_TOKEN")
	}
	if url != "" {
		return gateway.New(url, token)
	}
	return nil // httpapi falls back to the stub
}

func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}

	// Ensure dirs exist before starting.
	if err := os.MkdirAll(protectedDir(opts.Home), 0o755); err != nil {
		return 0, err
	}

	// Best-effort: refuse to start if already running.
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("voxtune already running (pid %d)", st.PID)
	}

	logFile := filepath.Join(protectedDir(opts.Home), "daemon.log")
	stderr, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{
		"daemon",
		"--home", opts.Home,
		"--port", strconv.Itoa(opts.Port),
		"--max-concurrent", strconv.Itoa(opts.MaxConcurrent),
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.Runner != "" {
		args = append(args, "--runner", opts.Runner)
	}
	if opts.RunnerCmd != "" {
		args = append(args, "--runner-cmd", opts.RunnerCmd)
	}
	if opts.GatewayURL != "" {
		args = append(args, "--platform-url", opts.GatewayURL)
	}
	if opts.DBDriver != "" {
		args = append(args, "--db", opts.DBDriver)
	}
	if opts.DBURL != "" {
		args = append(args, "--db-url", opts.DBURL)
	}
	if opts.EnableOtel {
		args = append(args, "--otel")
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	setDaemonSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Wait briefly for pid file to appear or process to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Fallback to started pid even if status isn't ready yet.
	return cmd.Process.Pid, nil
}

func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, err
	}
	if err := signalTerm(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = proc.Kill()
	return true, nil
}

func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pidStr := strings.TrimSpace(string(pb))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}

	if !processExists(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{Running: false}, nil
	}

	addr := ""
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}
	_ = ln.Close()
	return nil
}
