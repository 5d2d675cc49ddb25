package build

import (
	"context"
	"os"

	"github.com/outofforest/build"
	"github.com/outofforest/buildgo"
	"github.com/pkg/errors"
)

func goTests(ctx context.Context, deps build.DepsFunc) error {
	deps(setup)
	return buildgo.GoTest(ctx, deps, ".")
}

// setup verifies that scratch disks may be created in the temporary directory used by tests.
func setup(_ context.Context, _ build.DepsFunc) error {
	f, err := os.CreateTemp("", "extmem-*.disk")
	if err != nil {
		return errors.Wrap(err, "scratch directory is not writable")
	}
	name := f.Name()
	if err := f.Truncate(1 << 20); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return errors.Wrap(err, "scratch file can't be extended")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Remove(name))
}
