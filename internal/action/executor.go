// Package action applies a classification to the filesystem: it lists, moves or deletes the
// entries no retention rule kept. Retained entries are never touched.
package action

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/agerwick/backup-retention/internal/retention"
	"github.com/go-errors/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	List   = "list"
	Move   = "move"
	Delete = "delete"
)

// Outcome counts what an action did.
type Outcome struct {
	Acted  int
	Failed int
}

type Executor struct {
	logger   *zap.Logger
	out      io.Writer
	reporter *Reporter
	verbose  bool
	rename   func(src, dst string) error
	copy     func(src, dst string) error
}

// New returns an executor that prints progress and listings to out.
func New(logger *zap.Logger, out io.Writer, verbose bool) *Executor {
	return &Executor{
		logger:   logger,
		out:      out,
		reporter: NewReporter(out),
		verbose:  verbose,
		rename:   os.Rename,
		copy:     copyTree,
	}
}

// Apply performs action on the discardable entries of result. Failures on single entries do
// not stop the run; they are combined into the returned error. invalid is only used by list.
func (e *Executor) Apply(ctx context.Context, action, destination string, result *retention.Result, invalid []string) (Outcome, error) {
	switch action {
	case List:
		e.reporter.List(result, invalid, e.verbose)
		return Outcome{}, nil
	case Move:
		if err := ensureDir(destination); err != nil {
			return Outcome{}, err
		}
	case Delete:
	default:
		return Outcome{}, errors.Errorf("unknown action %q", action)
	}

	var outcome Outcome
	var errs error

	for _, v := range result.Verdicts {
		if err := ctx.Err(); err != nil {
			return outcome, multierr.Append(errs, err)
		}

		if v.Retained {
			e.printf("keeping  %s...\n", v.Path)
			continue
		}

		var err error
		if action == Move {
			target := filepath.Join(destination, filepath.Base(v.Path))
			e.printf("moving %s to %s...\n", v.Path, destination)
			err = e.move(v.Path, target)
		} else {
			e.printf("deleting %s...\n", v.Path)
			err = remove(v.Path)
		}

		if err != nil {
			outcome.Failed++
			errs = multierr.Append(errs, err)
			e.logger.Error("Action failed",
				zap.String("action", action),
				zap.String("path", v.Path),
				zap.Error(err))
			continue
		}

		outcome.Acted++
		e.logger.Debug("Action applied", zap.String("action", action), zap.String("path", v.Path))
	}

	return outcome, errs
}

func (e *Executor) printf(format string, args ...interface{}) {
	if e.verbose {
		fmt.Fprintf(e.out, format, args...)
	}
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errors.Errorf("destination %q is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat destination: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return nil
}

// move renames src to dst. Across filesystems it copies src and then removes it; a partial
// copy is removed again.
func (e *Executor) move(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return errors.Errorf("cannot move %s: %s already exists", src, dst)
	}

	err := e.rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to move %s: %w", src, err)
	}

	e.logger.Debug("Destination is on another filesystem, copying", zap.String("path", src))
	if err := e.copy(src, dst); err != nil {
		if rmErr := os.RemoveAll(dst); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
		return fmt.Errorf("failed to move %s: %w", src, err)
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("moved %s but failed to remove it: %w", src, err)
	}
	return nil
}

// copyTree copies a file, symlink or directory tree, keeping permissions and modification times.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			return errors.Errorf("cannot copy %s: unsupported file type %s", path, info.Mode().Type())
		}
		return os.Chtimes(target, info.ModTime(), info.ModTime())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// remove deletes files and backup directories alike.
func remove(path string) error {
	if _, err := os.Lstat(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}
