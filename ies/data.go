package ies

import (
	"encoding/gob"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/ensembletools/go-iterative-smoother/linalg"
)

// Data holds the state accumulated across the iterations of one smoothing
// run: the activity masks, the transform-coefficient matrix W, the initial
// ensemble A0 and the initial observation perturbations E0. It is created
// fresh per run, mutated once per RunIteration call, and must not be shared
// between concurrent runs.
type Data struct {
	ensMask  []bool // fixed size after first InitUpdate; entries only drop
	obsMask0 []bool // observation activity at first use, grown on augment
	obsMask  []bool // observation activity of the current iteration

	w  *mat.Dense // total ensemble slots x total ensemble slots
	a0 *mat.Dense // state size x total ensemble slots, captured once
	e0 *mat.Dense // total observation slots x total ensemble slots

	iteration int
	stateSize int // -1 until the first update records it
}

// NewData returns an empty iteration state.
func NewData() *Data {
	return &Data{stateSize: -1}
}

// InitUpdate records the activity masks for the coming iteration. The
// ensemble mask keeps its size from the first call and members may only
// transition from active to inactive; the observation mask may change freely
// within its fixed length. Called once before each RunIteration.
func (d *Data) InitUpdate(ensMask, obsMask []bool) error {
	if err := d.updateEnsMask(ensMask); err != nil {
		return err
	}
	d.allocateW()
	if d.obsMask0 == nil {
		d.obsMask0 = append([]bool(nil), obsMask...)
	}
	return d.updateObsMask(obsMask)
}

func (d *Data) updateEnsMask(ensMask []bool) error {
	if d.ensMask == nil {
		if len(ensMask) == 0 {
			return fmt.Errorf("%w: empty ensemble mask", ErrState)
		}
		d.ensMask = append([]bool(nil), ensMask...)
		return nil
	}
	if len(ensMask) != len(d.ensMask) {
		return fmt.Errorf("%w: ensemble mask size changed from %d to %d",
			ErrState, len(d.ensMask), len(ensMask))
	}
	for i, active := range ensMask {
		if active && !d.ensMask[i] {
			return fmt.Errorf("%w: ensemble member %d reactivated", ErrState, i)
		}
	}
	copy(d.ensMask, ensMask)
	return nil
}

func (d *Data) updateObsMask(obsMask []bool) error {
	if len(obsMask) != len(d.obsMask0) {
		return fmt.Errorf("%w: observation mask size changed from %d to %d",
			ErrState, len(d.obsMask0), len(obsMask))
	}
	d.obsMask = append(d.obsMask[:0], obsMask...)
	return nil
}

func (d *Data) allocateW() {
	if d.w == nil {
		n := len(d.ensMask)
		d.w = mat.NewDense(n, n, nil)
	}
}

// EnsembleMask returns a copy of the current ensemble activity mask.
func (d *Data) EnsembleMask() []bool {
	return append([]bool(nil), d.ensMask...)
}

// ObsMask returns a copy of the current observation activity mask.
func (d *Data) ObsMask() []bool {
	return append([]bool(nil), d.obsMask...)
}

// IterationNr returns the number of completed update calls.
func (d *Data) IterationNr() int { return d.iteration }

// SetIterationNr overrides the iteration counter, supporting restarts.
func (d *Data) SetIterationNr(n int) { d.iteration = n }

func (d *Data) advanceIteration() int {
	d.iteration++
	return d.iteration
}

// StateSize returns the recorded parameter dimensionality.
func (d *Data) StateSize() (int, error) {
	if d.stateSize < 0 {
		return 0, fmt.Errorf("%w: state size requested before any update", ErrState)
	}
	return d.stateSize, nil
}

func (d *Data) updateStateSize(n int) error {
	if d.stateSize < 0 {
		d.stateSize = n
		return nil
	}
	if d.stateSize != n {
		return fmt.Errorf("%w: state size changed from %d to %d",
			ErrState, d.stateSize, n)
	}
	return nil
}

// storeInitialE captures the observation perturbations of the first update,
// scattered into a full-size matrix indexed by original observation and
// ensemble slots.
func (d *Data) storeInitialE(ein *mat.Dense) {
	if d.e0 != nil {
		return
	}
	d.e0 = mat.NewDense(len(d.obsMask0), len(d.ensMask), nil)
	ensIdx := linalg.ActiveIndices(d.ensMask)
	row := 0
	for iobs, active := range d.obsMask0 {
		if !active {
			continue
		}
		for col, iens := range ensIdx {
			d.e0.Set(iobs, iens, ein.At(row, col))
		}
		row++
	}
}

// augmentInitialE appends perturbation rows for observations that became
// active after the first update. Rows already recorded are left untouched so
// growth never perturbs earlier observations.
func (d *Data) augmentInitialE(ein *mat.Dense) {
	if d.e0 == nil {
		return
	}
	ensIdx := linalg.ActiveIndices(d.ensMask)
	row := 0
	for iobs := range d.obsMask0 {
		if !d.obsMask0[iobs] && d.obsMask[iobs] {
			for col, iens := range ensIdx {
				d.e0.Set(iobs, iens, ein.At(row, col))
			}
			d.obsMask0[iobs] = true
		}
		if d.obsMask[iobs] {
			row++
		}
	}
}

// storeInitialA captures the parameter ensemble of the first update,
// scattered into a full-width matrix so the active columns can be recovered
// after members drop out.
func (d *Data) storeInitialA(a *mat.Dense) {
	if d.a0 != nil {
		return
	}
	rows, _ := a.Dims()
	d.a0 = mat.NewDense(rows, len(d.ensMask), nil)
	for col, iens := range linalg.ActiveIndices(d.ensMask) {
		for i := 0; i < rows; i++ {
			d.a0.Set(i, iens, a.At(i, col))
		}
	}
}

// ActiveW extracts the transform coefficients of the active realizations.
func (d *Data) ActiveW() (*mat.Dense, error) {
	if d.w == nil {
		return nil, fmt.Errorf("%w: InitUpdate has not been called", ErrState)
	}
	return linalg.Extract(d.w, d.ensMask, d.ensMask)
}

// ActiveE extracts the initial perturbations of the currently active
// observations and realizations.
func (d *Data) ActiveE() (*mat.Dense, error) {
	if d.e0 == nil {
		return nil, fmt.Errorf("%w: no perturbations recorded yet", ErrState)
	}
	return linalg.Extract(d.e0, d.obsMask, d.ensMask)
}

// ActiveA0 extracts the initial ensemble columns of the active realizations.
func (d *Data) ActiveA0() (*mat.Dense, error) {
	if d.a0 == nil {
		return nil, fmt.Errorf("%w: no initial ensemble recorded yet", ErrState)
	}
	rows, _ := d.a0.Dims()
	return linalg.Extract(d.a0, linalg.AllTrue(rows), d.ensMask)
}

// storeActiveW scatters the updated active transform back into the full-size
// matrix; rows and columns of dropped realizations stay zero.
func (d *Data) storeActiveW(w0 *mat.Dense) error {
	return linalg.Scatter(d.w, w0, d.ensMask, d.ensMask)
}

// Stats returns informational diagnostics about the iteration state.
func (d *Data) Stats() map[string]any {
	stats := map[string]any{
		"iteration":           d.iteration,
		"ensemble_size":       len(d.ensMask),
		"active_realizations": linalg.CountActive(d.ensMask),
		"active_observations": linalg.CountActive(d.obsMask),
		"state_size":          d.stateSize,
	}
	if d.w != nil {
		stats["w_norm"] = mat.Norm(d.w, 2)
	}
	return stats
}

// dataState is the serializable snapshot of Data.
type dataState struct {
	Version   int
	EnsMask   []bool
	ObsMask0  []bool
	ObsMask   []bool
	WData     []float64
	A0Rows    int
	A0Data    []float64
	E0Data    []float64
	Iteration int
	StateSize int
}

// Save writes a snapshot of the iteration state in gob format, supporting
// restarts of an interrupted run.
func (d *Data) Save(w io.Writer) error {
	state := dataState{
		Version:   1,
		EnsMask:   d.ensMask,
		ObsMask0:  d.obsMask0,
		ObsMask:   d.obsMask,
		Iteration: d.iteration,
		StateSize: d.stateSize,
	}
	if d.w != nil {
		state.WData = append([]float64(nil), d.w.RawMatrix().Data...)
	}
	if d.a0 != nil {
		rows, _ := d.a0.Dims()
		state.A0Rows = rows
		state.A0Data = append([]float64(nil), d.a0.RawMatrix().Data...)
	}
	if d.e0 != nil {
		state.E0Data = append([]float64(nil), d.e0.RawMatrix().Data...)
	}
	return gob.NewEncoder(w).Encode(state)
}

// LoadData restores an iteration state written by Save.
func LoadData(r io.Reader) (*Data, error) {
	var state dataState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrState, state.Version)
	}

	d := &Data{
		ensMask:   state.EnsMask,
		obsMask0:  state.ObsMask0,
		obsMask:   state.ObsMask,
		iteration: state.Iteration,
		stateSize: state.StateSize,
	}
	ens := len(d.ensMask)
	obs := len(d.obsMask0)
	if state.WData != nil {
		if len(state.WData) != ens*ens {
			return nil, fmt.Errorf("%w: transform data length %d, expected %d",
				ErrState, len(state.WData), ens*ens)
		}
		d.w = mat.NewDense(ens, ens, state.WData)
	}
	if state.A0Data != nil {
		if state.A0Rows <= 0 || len(state.A0Data) != state.A0Rows*ens {
			return nil, fmt.Errorf("%w: initial ensemble data length %d, expected %d",
				ErrState, len(state.A0Data), state.A0Rows*ens)
		}
		d.a0 = mat.NewDense(state.A0Rows, ens, state.A0Data)
	}
	if state.E0Data != nil {
		if len(state.E0Data) != obs*ens {
			return nil, fmt.Errorf("%w: perturbation data length %d, expected %d",
				ErrState, len(state.E0Data), obs*ens)
		}
		d.e0 = mat.NewDense(obs, ens, state.E0Data)
	}
	return d, nil
}

// Set assigns a value by named key, covering the iteration counter in
// addition to the configuration keys handled by cfg.
func (d *Data) Set(cfg *Config, name string, value any) error {
	if name == IterKey {
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s expects int, got %T", ErrConfig, name, value)
		}
		d.SetIterationNr(v)
		return nil
	}
	return cfg.Set(name, value)
}

// Get returns a value by named key, covering the iteration counter in
// addition to the configuration keys handled by cfg.
func (d *Data) Get(cfg *Config, name string) (any, error) {
	if name == IterKey {
		return d.IterationNr(), nil
	}
	return cfg.Get(name)
}
