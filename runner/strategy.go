package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/vitest-dev/vscode-sub001/protocol"
)

// ErrUnsupportedVersion is returned when no strategy handles the runner
// version reported at startup.
var ErrUnsupportedVersion = errors.New("unsupported runner version")

// Generation names a runner API generation.
type Generation string

const (
	GenerationLegacy Generation = "legacy"
	GenerationModern Generation = "modern"
)

var (
	modernConstraint = mustConstraint(">= 3.0.0-0")
	legacyConstraint = mustConstraint(">= 1.0.0-0, < 3.0.0-0")
)

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// Strategy is the single interface the adapter talks to, whatever generation
// of runner sits behind it.
type Strategy interface {
	Generation() Generation
	Version() string

	// Specifications lists specifications under dirs, or all of them when
	// dirs is empty. The cached list is dropped first when fresh is set.
	Specifications(ctx context.Context, dirs []string, fresh bool) ([]protocol.Specification, error)
	Collect(ctx context.Context, specs []protocol.Specification) error
	Run(ctx context.Context, specs []protocol.Specification) error

	NamePattern() string
	SetNamePattern(pattern string)
	SetUpdateSnapshots(update bool)

	Cancel(ctx context.Context) error

	SetCoverage(enabled bool)
	ReportsDirectory() string

	Invalidate(file string)
	Close(ctx context.Context) error
}

// SelectStrategy picks the strategy for version once, at startup.
func SelectStrategy(ctx context.Context, version string, opener Opener, settings Settings) (Strategy, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnsupportedVersion, version, err)
	}

	switch {
	case modernConstraint.Check(v):
		api, err := opener.OpenModern(ctx, v.String(), settings)
		if err != nil {
			return nil, fmt.Errorf("open runner %s: %w", v, err)
		}
		return &modernStrategy{api: api, version: v.String()}, nil
	case legacyConstraint.Check(v):
		api, err := opener.OpenLegacy(ctx, v.String(), settings)
		if err != nil {
			return nil, fmt.Errorf("open runner %s: %w", v, err)
		}
		return &legacyStrategy{api: api, version: v.String()}, nil
	default:
		return nil, fmt.Errorf("%w %q: requires >= 1.0.0", ErrUnsupportedVersion, version)
	}
}

const cancelReason = "keyboard-input"

type legacyStrategy struct {
	api     LegacyAPI
	version string
}

func (s *legacyStrategy) Generation() Generation { return GenerationLegacy }
func (s *legacyStrategy) Version() string        { return s.version }

func (s *legacyStrategy) Specifications(ctx context.Context, dirs []string, fresh bool) ([]protocol.Specification, error) {
	if fresh {
		s.api.ClearFileCache()
	}
	return s.api.GlobTestFiles(ctx, dirs)
}

func (s *legacyStrategy) Collect(ctx context.Context, specs []protocol.Specification) error {
	return s.api.CollectFiles(ctx, specs)
}

func (s *legacyStrategy) Run(ctx context.Context, specs []protocol.Specification) error {
	return s.api.RunFiles(ctx, specs)
}

func (s *legacyStrategy) NamePattern() string { return s.api.TestNamePattern() }

func (s *legacyStrategy) SetNamePattern(pattern string) { s.api.SetTestNamePattern(pattern) }

func (s *legacyStrategy) SetUpdateSnapshots(update bool) {
	s.api.SetUpdateSnapshot(update)
}

func (s *legacyStrategy) Cancel(ctx context.Context) error {
	return s.api.Cancel(ctx, cancelReason)
}

func (s *legacyStrategy) SetCoverage(enabled bool)        { s.api.SetCoverage(enabled) }
func (s *legacyStrategy) ReportsDirectory() string        { return s.api.CoverageDirectory() }
func (s *legacyStrategy) Invalidate(file string)          { s.api.Invalidate(file) }
func (s *legacyStrategy) Close(ctx context.Context) error { return s.api.Close(ctx) }

type modernStrategy struct {
	api     ModernAPI
	version string
}

func (s *modernStrategy) Generation() Generation { return GenerationModern }
func (s *modernStrategy) Version() string        { return s.version }

func (s *modernStrategy) Specifications(ctx context.Context, dirs []string, fresh bool) ([]protocol.Specification, error) {
	if fresh {
		s.api.ClearSpecificationsCache()
	}
	return s.api.GetRelevantSpecifications(ctx, dirs)
}

func (s *modernStrategy) Collect(ctx context.Context, specs []protocol.Specification) error {
	return s.api.CollectSpecifications(ctx, specs)
}

func (s *modernStrategy) Run(ctx context.Context, specs []protocol.Specification) error {
	return s.api.RunSpecifications(ctx, specs)
}

func (s *modernStrategy) NamePattern() string { return s.api.GlobalTestNamePattern() }

func (s *modernStrategy) SetNamePattern(pattern string) {
	if pattern == "" {
		s.api.ResetGlobalTestNamePattern()
		return
	}
	s.api.SetGlobalTestNamePattern(pattern)
}

func (s *modernStrategy) SetUpdateSnapshots(update bool) {
	if update {
		s.api.EnableSnapshotUpdate()
		return
	}
	s.api.ResetSnapshotUpdate()
}

func (s *modernStrategy) Cancel(ctx context.Context) error {
	return s.api.CancelCurrentRun(ctx, cancelReason)
}

func (s *modernStrategy) SetCoverage(enabled bool) {
	if enabled {
		s.api.EnableCoverage()
		return
	}
	s.api.DisableCoverage()
}

func (s *modernStrategy) ReportsDirectory() string        { return s.api.CoverageReportsDirectory() }
func (s *modernStrategy) Invalidate(file string)          { s.api.InvalidateFile(file) }
func (s *modernStrategy) Close(ctx context.Context) error { return s.api.Close(ctx) }
