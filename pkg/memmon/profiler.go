package memmon

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/pkg/errors"
)

// Profiler writes pprof snapshots to a directory.
type Profiler struct {
	outputDir string
}

// NewProfiler creates a profiler writing under outputDir. The directory is
// created on first use.
func NewProfiler(outputDir string) *Profiler {
	return &Profiler{outputDir: outputDir}
}

// WriteSnapshot writes heap.pprof and goroutine.pprof into a new directory
// named after t and returns its path. The heap profile reflects the last
// completed collection, so it shows what a forced collection is about to
// reclaim.
func (p *Profiler) WriteSnapshot(t time.Time) (string, error) {
	dir := filepath.Join(p.outputDir, fmt.Sprintf("%d", t.UnixNano()))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", errors.Wrap(err, "create profile directory")
	}

	for _, name := range []string{"heap", "goroutine"} {
		if err := writeProfile(filepath.Join(dir, name+".pprof"), name); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func writeProfile(path, name string) (err error) {
	profile := pprof.Lookup(name)
	if profile == nil {
		return errors.Errorf("%s profile not found", name)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s profile", name)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close %s profile", name)
		}
	}()

	if err := profile.WriteTo(f, 0); err != nil {
		return errors.Wrapf(err, "write %s profile", name)
	}
	return nil
}
