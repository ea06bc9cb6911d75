package quantum

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrBackendUnavailable is returned when a backend name is unknown or no
	// backend was supplied where one is required.
	ErrBackendUnavailable = errors.New("quantum backend unavailable")
	// ErrCircuitWidth is returned when a circuit does not fit a backend
	ErrCircuitWidth = errors.New("circuit width mismatch")
	// ErrSimulation is returned when a circuit execution fails
	ErrSimulation = errors.New("quantum simulation failed")
	// ErrClosed is returned by Run after Close
	ErrClosed = errors.New("quantum backend closed")
)

// Backend executes circuits and returns one Pauli-Z expectation per wire.
// Implementations must be safe for concurrent Run calls.
type Backend interface {
	Name() string
	MaxQubits() int
	SupportsGradient() bool
	Run(ctx context.Context, c *Circuit, inputs, params []float64) ([]float64, error)
	Close() error
}

// Options configure a backend when it is opened
type Options struct {
	// Workers caps concurrent circuit executions. 0 uses the backend default.
	Workers int
}

// Factory opens a backend
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name, replacing any previous entry
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names returns the registered backend names in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open opens the backend registered under name
func Open(name string, opts Options) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrBackendUnavailable, name, Names())
	}
	b, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrBackendUnavailable, name, err)
	}
	return b, nil
}

func init() {
	Register("default.qubit", func(opts Options) (Backend, error) {
		return NewStateVector("default.qubit", workersOr(opts.Workers, 1)), nil
	})
	Register("lightning.qubit", func(opts Options) (Backend, error) {
		return NewStateVector("lightning.qubit", workersOr(opts.Workers, runtime.GOMAXPROCS(0))), nil
	})
}

func workersOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// Workers returns the concurrency limit a backend advertises, or 1
func Workers(b Backend) int {
	if w, ok := b.(interface{ Workers() int }); ok && w.Workers() > 0 {
		return w.Workers()
	}
	return 1
}

type job struct {
	inputs []float64
	params []float64
}

// runJobs executes every job on b, at most Workers(b) at a time. The first
// failure cancels the rest.
func runJobs(ctx context.Context, b Backend, c *Circuit, jobs []job) ([][]float64, error) {
	out := make([][]float64, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(b))
	for i, j := range jobs {
		g.Go(func() error {
			res, err := b.Run(ctx, c, j.inputs, j.params)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RunBatch executes c once per input row with shared params
func RunBatch(ctx context.Context, b Backend, c *Circuit, inputs [][]float64, params []float64) ([][]float64, error) {
	jobs := make([]job, len(inputs))
	for i, in := range inputs {
		jobs[i] = job{inputs: in, params: params}
	}
	return runJobs(ctx, b, c, jobs)
}

// Jacobian holds d<Z_q>/d angle for one circuit execution. Rows index the
// measured wire.
type Jacobian struct {
	Inputs [][]float64
	Params [][]float64
}

// ParameterShift differentiates c at every input row with the two-term
// shift rule: df/dθ = (f(θ+π/2) - f(θ-π/2)) / 2. All shifted executions of
// the batch run concurrently.
func ParameterShift(ctx context.Context, b Backend, c *Circuit, inputs [][]float64, params []float64) ([]*Jacobian, error) {
	if !b.SupportsGradient() {
		return nil, fmt.Errorf("backend %s does not support gradients", b.Name())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	perRow := 2 * (c.NumInputs + c.NumParams)
	jobs := make([]job, 0, len(inputs)*perRow)
	for _, in := range inputs {
		for k := 0; k < c.NumInputs; k++ {
			for _, s := range []float64{math.Pi / 2, -math.Pi / 2} {
				shifted := slices.Clone(in)
				shifted[k] += s
				jobs = append(jobs, job{inputs: shifted, params: params})
			}
		}
		for p := 0; p < c.NumParams; p++ {
			for _, s := range []float64{math.Pi / 2, -math.Pi / 2} {
				shifted := slices.Clone(params)
				shifted[p] += s
				jobs = append(jobs, job{inputs: in, params: shifted})
			}
		}
	}

	results, err := runJobs(ctx, b, c, jobs)
	if err != nil {
		return nil, err
	}

	jacs := make([]*Jacobian, len(inputs))
	for r := range inputs {
		base := r * perRow
		jac := &Jacobian{
			Inputs: newGrid(c.NumQubits, c.NumInputs),
			Params: newGrid(c.NumQubits, c.NumParams),
		}
		for k := 0; k < c.NumInputs; k++ {
			plus, minus := results[base+2*k], results[base+2*k+1]
			for q := 0; q < c.NumQubits; q++ {
				jac.Inputs[q][k] = (plus[q] - minus[q]) / 2
			}
		}
		off := base + 2*c.NumInputs
		for p := 0; p < c.NumParams; p++ {
			plus, minus := results[off+2*p], results[off+2*p+1]
			for q := 0; q < c.NumQubits; q++ {
				jac.Params[q][p] = (plus[q] - minus[q]) / 2
			}
		}
		jacs[r] = jac
	}
	return jacs, nil
}

func newGrid(rows, cols int) [][]float64 {
	g := make([][]float64, rows)
	for i := range g {
		g[i] = make([]float64, cols)
	}
	return g
}
