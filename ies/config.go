package ies

import (
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ensembletools/go-iterative-smoother/linalg"
)

// Inversion selects the numerical procedure used to solve the regularized
// least-squares system of each iteration.
type Inversion int

const (
	// InversionExact assumes an identity observation error covariance and
	// eigendecomposes SᵗS + I directly.
	InversionExact Inversion = iota
	// InversionSubspaceExactR uses a truncated low-rank representation of the
	// analytic error covariance R.
	InversionSubspaceExactR
	// InversionSubspaceEER represents the error covariance empirically as
	// E*Eᵗ from the perturbation ensemble.
	InversionSubspaceEER
	// InversionSubspaceRE represents the error covariance by the perturbation
	// ensemble E directly. Equivalent to InversionSubspaceEER for
	// well-conditioned inputs but linear rather than quadratic in the
	// ensemble size.
	InversionSubspaceRE
)

func (inv Inversion) String() string {
	switch inv {
	case InversionExact:
		return "EXACT"
	case InversionSubspaceExactR:
		return "SUBSPACE_EXACT_R"
	case InversionSubspaceEER:
		return "SUBSPACE_EE_R"
	case InversionSubspaceRE:
		return "SUBSPACE_RE"
	}
	return fmt.Sprintf("Inversion(%d)", int(inv))
}

func (inv Inversion) valid() bool {
	return inv >= InversionExact && inv <= InversionSubspaceRE
}

// Named configuration keys for the generic key/value interface.
const (
	TruncationKey        = "ENKF_TRUNCATION"
	SubspaceDimensionKey = "ENKF_SUBSPACE_DIMENSION"
	MaxSteplengthKey     = "IES_MAX_STEPLENGTH"
	MinSteplengthKey     = "IES_MIN_STEPLENGTH"
	DecSteplengthKey     = "IES_DEC_STEPLENGTH"
	InversionKey         = "IES_INVERSION"
	AAProjectionKey      = "IES_AAPROJECTION"
	LogFileKey           = "IES_LOGFILE"
	IterKey              = "ITER"
)

// Defaults match the reference analysis module.
const (
	DefaultTruncation    = 0.98
	DefaultMaxSteplength = 0.60
	DefaultMinSteplength = 0.30
	DefaultDecSteplength = 2.50

	minDecSteplength = 1.1
	maxDecSteplength = 10.0
)

// Config holds the parameters of the update algorithm. A Config is immutable
// during an iteration; between runs it is mutated through the named setters
// or the key/value interface.
type Config struct {
	inversion     Inversion
	truncation    linalg.Truncation
	maxSteplength float64
	minSteplength float64
	decSteplength float64
	aaProjection  bool
	logFile       string

	logger  *logrus.Logger
	logSink *os.File
}

// Option configures a Config.
type Option func(*Config)

// WithInversion selects the inversion strategy.
func WithInversion(inv Inversion) Option {
	return func(c *Config) { c.inversion = inv }
}

// WithTruncation sets the truncation rule for the subspace inversions.
func WithTruncation(t linalg.Truncation) Option {
	return func(c *Config) { c.truncation = t }
}

// WithMaxSteplength sets the steplength of the first iteration.
func WithMaxSteplength(v float64) Option {
	return func(c *Config) { c.maxSteplength = v }
}

// WithMinSteplength sets the steplength floor.
func WithMinSteplength(v float64) Option {
	return func(c *Config) { c.minSteplength = v }
}

// WithDecSteplength sets the decay parameter of the steplength schedule.
func WithDecSteplength(v float64) Option {
	return func(c *Config) { c.decSteplength = clampDecSteplength(v) }
}

// WithAAProjection enables the rank-reduction projection of the predicted
// anomalies onto the ensemble subspace.
func WithAAProjection(enabled bool) Option {
	return func(c *Config) { c.aaProjection = enabled }
}

// WithLogFile routes the per-iteration log lines to the given file. The file
// is opened by NewConfig; a path that cannot be opened is a construction
// error.
func WithLogFile(path string) Option {
	return func(c *Config) { c.logFile = path }
}

// NewConfig returns a Config with the module defaults, modified by opts.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		inversion:     InversionSubspaceExactR,
		truncation:    linalg.EnergyTruncation(DefaultTruncation),
		maxSteplength: DefaultMaxSteplength,
		minSteplength: DefaultMinSteplength,
		decSteplength: DefaultDecSteplength,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.logFile != "" {
		if err := c.SetLogFile(c.logFile); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Config) validate() error {
	if !c.inversion.valid() {
		return fmt.Errorf("%w: unknown inversion %d", ErrConfig, int(c.inversion))
	}
	if err := c.truncation.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err)
	}
	if c.minSteplength > c.maxSteplength {
		return fmt.Errorf("%w: min steplength %v exceeds max %v",
			ErrConfig, c.minSteplength, c.maxSteplength)
	}
	return nil
}

func clampDecSteplength(v float64) float64 {
	return math.Min(math.Max(v, minDecSteplength), maxDecSteplength)
}

// Inversion returns the configured inversion strategy.
func (c *Config) Inversion() Inversion { return c.inversion }

// Truncation returns the configured truncation rule.
func (c *Config) Truncation() linalg.Truncation { return c.truncation }

// AAProjection reports whether the ensemble-subspace projection is enabled.
func (c *Config) AAProjection() bool { return c.aaProjection }

// SetInversion selects the inversion strategy.
func (c *Config) SetInversion(inv Inversion) error {
	if !inv.valid() {
		return fmt.Errorf("%w: unknown inversion %d", ErrConfig, int(inv))
	}
	c.inversion = inv
	return nil
}

// SetTruncation switches to fractional energy truncation.
func (c *Config) SetTruncation(frac float64) error {
	t := linalg.EnergyTruncation(frac)
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err)
	}
	c.truncation = t
	return nil
}

// SetSubspaceDimension switches to explicit rank truncation.
func (c *Config) SetSubspaceDimension(rank int) error {
	t := linalg.RankTruncation(rank)
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err)
	}
	c.truncation = t
	return nil
}

// SetMaxSteplength sets the steplength of the first iteration.
func (c *Config) SetMaxSteplength(v float64) { c.maxSteplength = v }

// SetMinSteplength sets the steplength floor.
func (c *Config) SetMinSteplength(v float64) { c.minSteplength = v }

// SetDecSteplength sets the decay parameter, clamped into [1.1, 10.0] since
// the schedule divides by (decay - 1).
func (c *Config) SetDecSteplength(v float64) { c.decSteplength = clampDecSteplength(v) }

// SetAAProjection toggles the rank-reduction projection.
func (c *Config) SetAAProjection(enabled bool) { c.aaProjection = enabled }

// SetLogFile routes per-iteration logging to path, opening the file
// immediately so that failures surface at configuration time instead of
// mid-iteration. A previously opened log file is closed. An empty path
// reverts to the standard logger.
func (c *Config) SetLogFile(path string) error {
	if c.logSink != nil {
		c.logSink.Close()
		c.logSink = nil
	}
	c.logger = nil
	c.logFile = path
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening log file %s: %v", ErrConfig, path, err)
	}
	logger := logrus.New()
	logger.SetOutput(f)
	c.logSink = f
	c.logger = logger
	return nil
}

// Steplength evaluates the schedule for a 1-based iteration number:
// a geometric decay from the maximum toward the minimum.
func (c *Config) Steplength(iterationNr int) float64 {
	return c.minSteplength + (c.maxSteplength-c.minSteplength)*
		math.Pow(2, -float64(iterationNr-1)/(c.decSteplength-1))
}

// log returns the logger for per-iteration diagnostics. Read-only, so a
// Config can be shared by concurrent runs.
func (c *Config) log() *logrus.Logger {
	if c.logger != nil {
		return c.logger
	}
	return logrus.StandardLogger()
}

// Set assigns a configuration value by its named key. Unknown keys and
// mismatched value types return ErrConfig.
func (c *Config) Set(name string, value any) error {
	switch name {
	case TruncationKey:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s expects float64, got %T", ErrConfig, name, value)
		}
		return c.SetTruncation(v)
	case SubspaceDimensionKey:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s expects int, got %T", ErrConfig, name, value)
		}
		return c.SetSubspaceDimension(v)
	case MaxSteplengthKey, MinSteplengthKey, DecSteplengthKey:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s expects float64, got %T", ErrConfig, name, value)
		}
		switch name {
		case MaxSteplengthKey:
			c.SetMaxSteplength(v)
		case MinSteplengthKey:
			c.SetMinSteplength(v)
		case DecSteplengthKey:
			c.SetDecSteplength(v)
		}
		return nil
	case InversionKey:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s expects int, got %T", ErrConfig, name, value)
		}
		return c.SetInversion(Inversion(v))
	case AAProjectionKey:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects bool, got %T", ErrConfig, name, value)
		}
		c.SetAAProjection(v)
		return nil
	case LogFileKey:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s expects string, got %T", ErrConfig, name, value)
		}
		return c.SetLogFile(v)
	}
	return fmt.Errorf("%w: unrecognized key %q", ErrConfig, name)
}

// Get returns a configuration value by its named key.
func (c *Config) Get(name string) (any, error) {
	switch name {
	case TruncationKey:
		if frac, ok := c.truncation.Energy(); ok {
			return frac, nil
		}
		return nil, fmt.Errorf("%w: %s holds a rank truncation", ErrConfig, name)
	case SubspaceDimensionKey:
		if rank, ok := c.truncation.ByRank(); ok {
			return rank, nil
		}
		return nil, fmt.Errorf("%w: %s holds an energy truncation", ErrConfig, name)
	case MaxSteplengthKey:
		return c.maxSteplength, nil
	case MinSteplengthKey:
		return c.minSteplength, nil
	case DecSteplengthKey:
		return c.decSteplength, nil
	case InversionKey:
		return int(c.inversion), nil
	case AAProjectionKey:
		return c.aaProjection, nil
	case LogFileKey:
		return c.logFile, nil
	}
	return nil, fmt.Errorf("%w: unrecognized key %q", ErrConfig, name)
}

// HasVar reports whether name is a recognized configuration key.
func (c *Config) HasVar(name string) bool {
	switch name {
	case TruncationKey, SubspaceDimensionKey, MaxSteplengthKey, MinSteplengthKey,
		DecSteplengthKey, InversionKey, AAProjectionKey, LogFileKey:
		return true
	}
	return false
}
