package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/imagestore"
)

// Name is the capability name.
const Name = "solver"

// State is the solve job state.
type State string

const (
	StateIdle    State = "IDLE"
	StateSolving State = "SOLVING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

// Stage is the phase of a running solve.
type Stage string

const (
	StageLoading    Stage = "LOADING"
	StageExtracting Stage = "EXTRACTING"
	StageMatching   Stage = "MATCHING"
	StageVerifying  Stage = "VERIFYING"
)

// Event names.
const (
	EventSolveStarted   = "SOLVE_STARTED"
	EventSolveProgress  = "SOLVE_PROGRESS"
	EventSolveCompleted = "SOLVE_COMPLETED"
	EventSolveFailed    = "SOLVE_FAILED"
	EventSolveAborted   = "SOLVE_ABORTED"
)

// Property names.
const (
	PropState       = "solver_state"
	PropProgress    = "progress"
	PropStage       = "stage"
	PropJobID       = "solve_job_id"
	PropImage       = "solve_image"
	PropHasSolution = "has_solution"
	PropSolution    = "solution"
	PropLastError   = "last_error"
	PropSolveTime   = "solve_time"
	PropSuccessRate = "success_rate"
	PropFOVMin      = "fov_min"
	PropFOVMax      = "fov_max"
	PropScaleMin    = "scale_min"
	PropScaleMax    = "scale_max"
	PropDownsample  = "downsample"
)

// errNoMatch is the simulated solve failure.
var errNoMatch = errors.New("failed to match the image to the star catalog")

// loadTimeout bounds an image load from the store.
const loadTimeout = 30 * time.Second

// Deps are the solver's collaborators.
type Deps struct {
	// Random drives outcome and solution values.
	Random device.Random

	// Store, if set, must hold every image key passed to solve.
	Store imagestore.Store
}

// Hint narrows the search around a known position.
type Hint struct {
	RA, Dec        *float64
	FOVMin, FOVMax *float64
}

// Result is a successful solution.
type Result struct {
	RA          float64 `json:"ra"`
	Dec         float64 `json:"dec"`
	RAHMS       string  `json:"ra_hms"`
	DecDMS      string  `json:"dec_dms"`
	PixelScale  float64 `json:"pixel_scale"`
	FieldWidth  float64 `json:"field_width"`
	FieldHeight float64 `json:"field_height"`
	Rotation    float64 `json:"rotation"`
	StarCount   int     `json:"star_count"`
	SolveTime   float64 `json:"solve_time"`
}

func (r Result) fields() map[string]any {
	return map[string]any{
		"ra":           r.RA,
		"dec":          r.Dec,
		"ra_hms":       r.RAHMS,
		"dec_dms":      r.DecDMS,
		"pixel_scale":  r.PixelScale,
		"field_width":  r.FieldWidth,
		"field_height": r.FieldHeight,
		"rotation":     r.Rotation,
		"star_count":   r.StarCount,
		"solve_time":   r.SolveTime,
	}
}

type job struct {
	id       string
	image    string
	hint     Hint
	duration float64
	started  time.Time
	reported time.Time
	loaded   bool
	progress float64
	stage    Stage
}

// Solver is the plate solver capability.
//
// Thread Safety: state is owned by mu; events are emitted after it is
// released.
type Solver struct {
	cfg   Config
	rand  device.Random
	store imagestore.Store
	now   func() time.Time
	dev   *device.Device

	mu       sync.Mutex
	t        tunables
	state    State
	job      *job
	solution *Result
}

// New validates cfg and creates a solver capability.
func New(cfg Config, deps Deps) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Random == nil {
		deps.Random = device.NewRandom(1)
	}
	return &Solver{
		cfg:   cfg,
		rand:  deps.Random,
		store: deps.Store,
		now:   time.Now,
		t:     cfg.tunables(),
		state: StateIdle,
	}, nil
}

// Name implements device.Capability.
func (s *Solver) Name() string { return Name }

// Attach implements device.Capability.
func (s *Solver) Attach(d *device.Device) error {
	s.dev = d

	s.mu.Lock()
	d.Stage(map[string]any{
		PropState:       string(s.state),
		PropProgress:    0.0,
		PropStage:       "",
		PropJobID:       "",
		PropImage:       "",
		PropHasSolution: false,
		PropLastError:   "",
	})
	s.publishTunables()
	s.unlock()

	d.Handle(CmdSolve, s.handleSolve)
	d.Handle(CmdAbortSolve, s.handleAbort)
	d.Handle(CmdGetSolution, s.handleGetSolution)
	d.Handle(CmdSetParameters, s.handleSetParameters)

	for _, name := range tunableNames {
		d.Tunable(name, s.tunable(name))
	}
	return nil
}

// Start implements device.Capability.
func (s *Solver) Start(d *device.Device) error {
	return d.Spawn(device.Task{
		Name:     Name + ".solve",
		Interval: s.cfg.TickInterval,
		Step:     s.step,
		OnFault:  s.failActive,
	})
}

// Stop implements device.Stopper.
func (s *Solver) Stop(*device.Device) {
	s.abort("device stopped")
}

// State returns the solve state.
func (s *Solver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Solution returns the last successful result.
func (s *Solver) Solution() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.solution == nil {
		return Result{}, false
	}
	return *s.solution, true
}

// unlock releases s.mu and delivers the property changes staged under it.
func (s *Solver) unlock() {
	s.mu.Unlock()
	s.dev.Notify()
}

func (s *Solver) publishTunables() {
	s.dev.Stage(map[string]any{
		PropSolveTime:   s.t.solveTime,
		PropSuccessRate: s.t.successRate,
		PropFOVMin:      s.t.fovMin,
		PropFOVMax:      s.t.fovMax,
		PropScaleMin:    s.t.scaleMin,
		PropScaleMax:    s.t.scaleMax,
		PropDownsample:  s.t.downsample,
	})
}

func (s *Solver) elapsed(j *job) float64 {
	return s.dev.Timebase().Units(s.now().Sub(j.started))
}

func stageAt(progress float64) Stage {
	switch {
	case progress < 30:
		return StageExtracting
	case progress < 80:
		return StageMatching
	default:
		return StageVerifying
	}
}

// step advances the running job by one tick.
func (s *Solver) step(ctx context.Context) error {
	s.mu.Lock()
	j := s.job
	if s.state != StateSolving || j == nil {
		s.unlock()
		return nil
	}
	needLoad := !j.loaded && s.store != nil
	s.unlock()

	if needLoad {
		if err := s.load(ctx, j); err != nil {
			s.finishFailed(j, err)
			return nil
		}
	}

	s.mu.Lock()
	if s.job != j || s.state != StateSolving {
		s.unlock()
		return nil
	}
	j.loaded = true
	now := s.now()
	elapsed := s.elapsed(j)
	if elapsed < j.duration {
		j.progress = math.Min(99, math.Round(elapsed/j.duration*1000)/10)
		j.stage = stageAt(j.progress)
		s.dev.Stage(map[string]any{
			PropProgress: j.progress,
			PropStage:    string(j.stage),
		})
		var progress map[string]any
		if s.dev.Timebase().Units(now.Sub(j.reported)) >= s.cfg.ProgressInterval {
			j.reported = now
			progress = map[string]any{
				"job_id":   j.id,
				"progress": j.progress,
				"stage":    string(j.stage),
			}
		}
		s.unlock()
		if progress != nil {
			s.dev.Emit(EventSolveProgress, progress)
		}
		return nil
	}

	success := s.rand.Float64() < s.t.successRate
	if !success {
		s.unlock()
		s.finishFailed(j, errNoMatch)
		return nil
	}
	res := s.synthesize(j, elapsed)
	s.solution = &res
	s.state = StateSuccess
	j.progress = 100
	fields := res.fields()
	s.dev.Stage(map[string]any{
		PropState:       string(StateSuccess),
		PropProgress:    100.0,
		PropStage:       "",
		PropHasSolution: true,
		PropSolution:    fields,
		PropLastError:   "",
	})
	s.unlock()

	payload := res.fields()
	payload["job_id"] = j.id
	payload["success"] = true
	s.dev.Emit(EventSolveCompleted, payload)
	return nil
}

// load checks the image exists in the store.
func (s *Solver) load(ctx context.Context, j *job) error {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	data, err := s.store.Get(ctx, j.image)
	if err != nil {
		return fmt.Errorf("load image %s: %w", j.image, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("load image %s: empty image", j.image)
	}
	return nil
}

// synthesize draws a solution near the hint. Caller holds s.mu.
func (s *Solver) synthesize(j *job, elapsed float64) Result {
	baseRA, baseDec := 0.0, 0.0
	if j.hint.RA != nil {
		baseRA = *j.hint.RA
	}
	if j.hint.Dec != nil {
		baseDec = *j.hint.Dec
	}
	fovMin, fovMax := s.t.fovMin, s.t.fovMax
	if j.hint.FOVMin != nil {
		fovMin = *j.hint.FOVMin
	}
	if j.hint.FOVMax != nil {
		fovMax = *j.hint.FOVMax
	}

	ra := math.Mod(baseRA+s.rand.NormFloat64()*0.5, 24)
	if ra < 0 {
		ra += 24
	}
	dec := math.Max(-90, math.Min(90, baseDec+s.rand.NormFloat64()*0.5))
	width := fovMin + s.rand.Float64()*(fovMax-fovMin)

	return Result{
		RA:          round(ra, 6),
		Dec:         round(dec, 6),
		RAHMS:       FormatRA(ra),
		DecDMS:      FormatDec(dec),
		PixelScale:  round(s.t.scaleMin+s.rand.Float64()*(s.t.scaleMax-s.t.scaleMin), 4),
		FieldWidth:  round(width, 3),
		FieldHeight: round(width*0.75, 3),
		Rotation:    round(s.rand.Float64()*360, 3),
		StarCount:   10 + s.rand.IntN(991),
		SolveTime:   round(elapsed, 3),
	}
}

func (s *Solver) finishFailed(j *job, err error) {
	s.mu.Lock()
	if s.job != j || s.state != StateSolving {
		s.unlock()
		return
	}
	s.state = StateFailed
	s.dev.Stage(map[string]any{
		PropState:     string(StateFailed),
		PropStage:     "",
		PropLastError: err.Error(),
	})
	s.unlock()

	s.dev.Emit(EventSolveFailed, map[string]any{
		"job_id":  j.id,
		"success": false,
		"error":   err.Error(),
	})
}

// failActive turns a recovered loop fault into a failed solve.
func (s *Solver) failActive(err error) {
	s.mu.Lock()
	j := s.job
	s.unlock()
	if j != nil {
		s.finishFailed(j, err)
	}
}

// abort cancels a running solve. It reports whether one was running.
func (s *Solver) abort(reason string) bool {
	s.mu.Lock()
	if s.state != StateSolving {
		s.unlock()
		return false
	}
	s.state = StateIdle
	payload := map[string]any{
		"job_id":   s.job.id,
		"progress": s.job.progress,
		"reason":   reason,
	}
	s.dev.Stage(map[string]any{
		PropState: string(StateIdle),
		PropStage: "",
	})
	s.unlock()

	s.dev.Emit(EventSolveAborted, payload)
	return true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
