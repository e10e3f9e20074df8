package nginx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/errors"
)

// ValidationError means the candidate configuration was rejected by the
// server's syntax check. The previously live configuration is untouched.
type ValidationError struct {
	Output string
	Err    error
}

func (e *ValidationError) Error() string {
	return "configuration rejected by validator: " + strings.TrimSpace(e.Output)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ReloadError means the new configuration is live and syntactically valid
// but the server did not acknowledge the reload. Not retried
// automatically: the file on disk is already correct.
type ReloadError struct {
	Output string
	Err    error
}

func (e *ReloadError) Error() string {
	return "reload failed, configuration is on disk but not picked up: " + strings.TrimSpace(e.Output)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Applier owns the live configuration path. Apply stages the candidate
// next to the live file, validates it, then atomically renames it over
// the live path so a concurrent reader never observes a partial write.
type Applier struct {
	livePath    string
	stagingPath string
	validateCmd []string
	reloadCmd   []string

	current []byte // last text validated and activated
}

// NewApplier prepares an applier for livePath. validateCmd and reloadCmd
// are argv slices; the staging path is appended to validateCmd on each
// run, and either may be empty to skip that step. An unwritable target
// directory is an unrecoverable setup error.
func NewApplier(livePath string, validateCmd, reloadCmd []string) (*Applier, error) {
	dir := filepath.Dir(livePath)
	probe, err := os.CreateTemp(dir, ".dlabeld-probe-")
	if err != nil {
		return nil, errors.Wrapf(err, "staging directory %s is not writable", dir)
	}
	probe.Close()
	os.Remove(probe.Name())

	a := &Applier{
		livePath:    livePath,
		stagingPath: livePath + ".staging",
		validateCmd: validateCmd,
		reloadCmd:   reloadCmd,
	}
	// Pick up a configuration left behind by a previous run so restarting
	// on unchanged state does not trigger a spurious reload.
	if prev, err := os.ReadFile(livePath); err == nil {
		a.current = prev
	}
	return a, nil
}

// Current returns the text of the last configuration known to be live,
// for the caller's no-op diff. Nil when nothing was applied yet.
func (a *Applier) Current() []byte { return a.current }

// Apply stages, validates, activates and reloads text. On
// *ValidationError the live file is byte-identical to before the call.
// On *ReloadError the file is live but the reload signal failed.
func (a *Applier) Apply(ctx context.Context, text []byte) error {
	if err := writeFileSync(a.stagingPath, text); err != nil {
		return errors.Wrap(err, "staging configuration")
	}

	if len(a.validateCmd) > 0 {
		argv := append(append([]string{}, a.validateCmd...), a.stagingPath)
		out, err := runCommand(ctx, argv)
		if err != nil {
			os.Remove(a.stagingPath)
			return &ValidationError{Output: out, Err: err}
		}
	}

	if err := os.Rename(a.stagingPath, a.livePath); err != nil {
		os.Remove(a.stagingPath)
		return errors.Wrap(err, "activating configuration")
	}
	syncDir(filepath.Dir(a.livePath))
	a.current = text
	log.G(ctx).WithField("path", a.livePath).Info("configuration activated")

	if len(a.reloadCmd) > 0 {
		if out, err := runCommand(ctx, a.reloadCmd); err != nil {
			return &ReloadError{Output: out, Err: err}
		}
	}
	return nil
}

func runCommand(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// writeFileSync writes data and flushes it to disk before returning, so
// the subsequent rename never exposes an incompletely persisted file.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
