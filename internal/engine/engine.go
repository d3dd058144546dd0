// Package engine invokes the external transform engine.
//
// The engine (imposm in production) owns the OSM-to-relational transform:
// given its cache directory, the mapping, and one staged changeset, it
// updates the database and writes the tiles the changeset touched. This
// package wraps it behind a narrow capability so any compliant diff
// processor can be substituted without touching orchestration logic.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/soundscape-maps/diffd/internal/replication"
)

// ErrTimeout is returned when an invocation ran past its configured limit
// and the engine process group was killed.
var ErrTimeout = errors.New("engine invocation timed out")

// Runner applies one replication sequence to the database.
type Runner interface {
	// Apply runs the engine for a single staged diff. expireDir names the
	// directory where the engine must write the tiles the diff touched.
	// Success means the process exited cleanly AND the engine's own
	// bookkeeping reflects the new sequence.
	Apply(ctx context.Context, seq int, diffPath, expireDir string) error
}

// Config holds the invocation parameters shared by every Apply call.
type Config struct {
	// Binary is the engine executable path.
	Binary string

	// ConfigPath, MappingPath and CacheDir are handed to the engine
	// unchanged on every invocation.
	ConfigPath  string
	MappingPath string
	CacheDir    string

	// Connection is the database URL the engine writes through.
	Connection string

	// ExpireZoom is the zoom level for expired tile output.
	ExpireZoom int

	// Timeout bounds one invocation. Zero means no limit.
	Timeout time.Duration

	// Logger for invocation activity.
	Logger *log.Logger
}

// Imposm runs the imposm-compatible transform engine as a subprocess.
type Imposm struct {
	cfg Config
}

// New creates a Runner for the configured engine binary.
func New(cfg Config) (*Imposm, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("engine binary cannot be empty")
	}
	if cfg.MappingPath == "" {
		return nil, fmt.Errorf("mapping path cannot be empty")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Imposm{cfg: cfg}, nil
}

// Apply implements Runner.
//
// The subprocess deliberately does not inherit the caller's cancellation:
// a graceful shutdown must let an in-flight invocation finish, because
// killing the engine mid-transaction can leave its cache and the database
// disagreeing about what was applied. The per-invocation timeout is the
// single sanctioned path to forced termination, and it kills the whole
// process group so engine children do not linger.
func (im *Imposm) Apply(ctx context.Context, seq int, diffPath, expireDir string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("not starting engine for sequence %d: %w", seq, err)
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if im.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, im.cfg.Timeout)
		defer cancel()
	}

	args := []string{
		"diff",
		"-config", im.cfg.ConfigPath,
		"-mapping", im.cfg.MappingPath,
		"-connection", im.cfg.Connection,
		"-srid", "4326",
		"-cachedir", im.cfg.CacheDir,
		"-expiretiles-dir", expireDir,
		"-expiretiles-zoom", fmt.Sprintf("%d", im.cfg.ExpireZoom),
		diffPath,
	}

	cmd := exec.CommandContext(runCtx, im.cfg.Binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid signals the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	im.cfg.Logger.Printf("Applying sequence %d (%s)", seq, filepath.Base(diffPath))
	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: sequence %d after %s", ErrTimeout, seq, elapsed)
		}
		return fmt.Errorf("engine failed on sequence %d: %w\n%s", seq, err, string(output))
	}

	recorded, err := im.recordedSequence()
	if err != nil {
		return fmt.Errorf("engine exited cleanly on sequence %d but its bookkeeping is unreadable: %w", seq, err)
	}
	if recorded != seq {
		return fmt.Errorf("engine exited cleanly on sequence %d but recorded sequence %d", seq, recorded)
	}

	im.cfg.Logger.Printf("Applied sequence %d in %s", seq, elapsed)
	return nil
}

// recordedSequence reads the engine's own bookkeeping file. The engine
// writes a replication state descriptor after each successful run; a clean
// exit without the expected sequence there is treated as a failure.
func (im *Imposm) recordedSequence() (int, error) {
	f, err := os.Open(filepath.Join(im.cfg.CacheDir, "last.state"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return replication.ParseState(f)
}
