package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// #region env
// Environment variables handed to the attack process.
const (
	EnvModelServer = "MODEL_SERVER"
	EnvInputDir    = "INPUT_DIR"
	EnvOutputDir   = "OUTPUT_DIR"
	EnvTargeted    = "TARGETED"
)

// Env is the wiring an attack needs to find the model and its files.
type Env struct {
	ModelServer string
	InputDir    string
	OutputDir   string
	Targeted    bool
}

// Pairs renders env as sorted KEY=VALUE strings.
func (e Env) Pairs() []string {
	targeted := "0"
	if e.Targeted {
		targeted = "1"
	}
	pairs := []string{
		EnvModelServer + "=" + e.ModelServer,
		EnvInputDir + "=" + e.InputDir,
		EnvOutputDir + "=" + e.OutputDir,
		EnvTargeted + "=" + targeted,
	}
	sort.Strings(pairs)
	return pairs
}
// #endregion env

// #region interfaces
// Handle observes a launched attack. The harness never stops it.
type Handle interface {
	ID() string
	Alive(ctx context.Context) (bool, error)
}

// Launcher starts an attack process.
type Launcher interface {
	Launch(ctx context.Context, env Env) (Handle, error)
}

// Runner executes a short command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
// #endregion interfaces

// #region command-launcher
// CommandLauncher runs the attack as a local child process. Output goes to a
// log file under LogDir when set.
type CommandLauncher struct {
	Command string
	Args    []string
	LogDir  string
	Logger  *slog.Logger
}

// Launch starts the command with the attack environment appended to the
// harness's own. The child is killed if ctx is cancelled.
func (l *CommandLauncher) Launch(ctx context.Context, env Env) (Handle, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("launch: no attack command configured")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Env = append(os.Environ(), env.Pairs()...)

	var logFile *os.File
	if l.LogDir != "" {
		if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("attack-%s.log", time.Now().UTC().Format("20060102-150405.000000000"))
		f, err := os.Create(filepath.Join(l.LogDir, name))
		if err != nil {
			return nil, fmt.Errorf("create attack log: %w", err)
		}
		cmd.Stdout, cmd.Stderr = f, f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}

	h := &localHandle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
		logger.Info("attack process exited", "pid", h.pid, "error", err)
	}()
	logger.Info("attack process started", "command", l.Command, "pid", h.pid)
	return h, nil
}

type localHandle struct {
	pid  int
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (h *localHandle) ID() string {
	return fmt.Sprintf("pid:%d", h.pid)
}

func (h *localHandle) Alive(context.Context) (bool, error) {
	select {
	case <-h.done:
		return false, nil
	default:
		return true, nil
	}
}

// ExitErr returns the wait error once the process has exited.
func (h *localHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
// #endregion command-launcher

// #region docker
// DockerLauncher starts the attack image detached and watches it through
// `docker ps`. Input and output dirs are bind-mounted at the same paths.
type DockerLauncher struct {
	Image   string
	Network string
	Run     Runner
	Logger  *slog.Logger
}

// Launch runs `docker run -d` and returns a handle on the new container.
func (l *DockerLauncher) Launch(ctx context.Context, env Env) (Handle, error) {
	if l.Image == "" {
		return nil, fmt.Errorf("launch: no attack image configured")
	}
	run := l.Run
	if run == nil {
		run = ExecRunner
	}
	network := l.Network
	if network == "" {
		network = "host"
	}

	args := []string{"run", "-d", "--network", network,
		"-v", env.InputDir + ":" + env.InputDir + ":ro",
		"-v", env.OutputDir + ":" + env.OutputDir,
	}
	for _, p := range env.Pairs() {
		args = append(args, "-e", p)
	}
	args = append(args, l.Image)

	out, err := run(ctx, "docker", args...)
	if err != nil {
		return nil, fmt.Errorf("docker run %s: %w", l.Image, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return nil, fmt.Errorf("docker run %s: empty container id", l.Image)
	}
	if l.Logger != nil {
		l.Logger.Info("attack container started", "image", l.Image, "container", shortID(id))
	}
	return NewContainerHandle(id, run), nil
}

// MinContainerIDLength is the shortest container id accepted for liveness
// checks, the length of docker's abbreviated form.
const MinContainerIDLength = 12

// ErrContainerIDTooShort is returned for ids that could match unrelated
// containers.
var ErrContainerIDTooShort = errors.New("container id too short")

// CheckContainerID rejects ids shorter than MinContainerIDLength.
func CheckContainerID(id string) error {
	if n := len(strings.TrimSpace(id)); n < MinContainerIDLength {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrContainerIDTooShort, n, MinContainerIDLength)
	}
	return nil
}

// ContainerHandle checks a container against the active container list.
type ContainerHandle struct {
	id  string
	run Runner
}

// NewContainerHandle observes an already running container by id (full or
// abbreviated to at least MinContainerIDLength characters).
func NewContainerHandle(id string, run Runner) *ContainerHandle {
	if run == nil {
		run = ExecRunner
	}
	return &ContainerHandle{id: strings.TrimSpace(id), run: run}
}

func (h *ContainerHandle) ID() string {
	return h.id
}

// Alive reports whether some full id in `docker ps --no-trunc` output starts
// with the handle's id.
func (h *ContainerHandle) Alive(ctx context.Context) (bool, error) {
	if err := CheckContainerID(h.id); err != nil {
		return false, err
	}
	out, err := h.run(ctx, "docker", "ps", "-q", "--no-trunc")
	if err != nil {
		return false, fmt.Errorf("list containers: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), h.id) {
			return true, nil
		}
	}
	return false, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
// #endregion docker
