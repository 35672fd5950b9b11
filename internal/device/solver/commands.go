package solver

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/astro-devsim/internal/device"
)

// Command names.
const (
	CmdSolve         = "solve"
	CmdAbortSolve    = "abort_solve"
	CmdGetSolution   = "get_solution"
	CmdSetParameters = "set_parameters"
)

const (
	msgNotConnected = "solver not connected"
	msgBusy         = "already solving"
	msgNotSolving   = "No solve in progress to abort"
	msgNoSolution   = "No solution available"
)

// optionalFloat reads an optional number.
func optionalFloat(p device.Params, key string) (*float64, error) {
	if !p.Has(key) {
		return nil, nil
	}
	v, err := p.Float(key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Solver) handleSolve(cmd device.Command, resp *device.Response) {
	image, err := cmd.Parameters.String("image")
	if err != nil {
		resp.FailErr(err)
		return
	}
	var hint Hint
	for _, f := range []struct {
		key string
		dst **float64
	}{
		{"ra_hint", &hint.RA},
		{"dec_hint", &hint.Dec},
		{"fov_min", &hint.FOVMin},
		{"fov_max", &hint.FOVMax},
	} {
		if *f.dst, err = optionalFloat(cmd.Parameters, f.key); err != nil {
			resp.FailErr(err)
			return
		}
	}
	if hint.RA != nil && (*hint.RA < 0 || *hint.RA >= 24) {
		resp.Failf("%v: ra_hint must be in [0, 24)", device.ErrInvalidParameter)
		return
	}
	if hint.Dec != nil && (*hint.Dec < -90 || *hint.Dec > 90) {
		resp.Failf("%v: dec_hint must be in [-90, 90]", device.ErrInvalidParameter)
		return
	}
	if !s.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}

	s.mu.Lock()
	if hint.FOVMin != nil || hint.FOVMax != nil {
		lo, hi := s.t.fovMin, s.t.fovMax
		if hint.FOVMin != nil {
			lo = *hint.FOVMin
		}
		if hint.FOVMax != nil {
			hi = *hint.FOVMax
		}
		if lo <= 0 || hi <= lo {
			s.unlock()
			resp.Failf("%v: fov range must satisfy 0 < fov_min < fov_max", device.ErrInvalidParameter)
			return
		}
		hint.FOVMin, hint.FOVMax = &lo, &hi
	}
	if s.state == StateSolving {
		s.unlock()
		resp.Fail(msgBusy)
		return
	}
	now := s.now()
	j := &job{
		id:       uuid.NewString(),
		image:    image,
		hint:     hint,
		duration: s.t.solveTime,
		started:  now,
		reported: now,
		stage:    StageExtracting,
	}
	if s.store != nil {
		j.stage = StageLoading
	}
	s.job = j
	s.state = StateSolving
	s.dev.Stage(map[string]any{
		PropState:     string(StateSolving),
		PropProgress:  0.0,
		PropStage:     string(j.stage),
		PropJobID:     j.id,
		PropImage:     image,
		PropLastError: "",
	})
	s.unlock()

	s.dev.Emit(EventSolveStarted, map[string]any{"job_id": j.id, "image": image})
	resp.Succeed(map[string]any{"job_id": j.id, "state": string(StateSolving)})
}

func (s *Solver) handleAbort(_ device.Command, resp *device.Response) {
	if !s.dev.Running() {
		resp.Fail(msgNotConnected)
		return
	}
	if !s.abort("aborted by request") {
		resp.Fail(msgNotSolving)
		return
	}
	resp.Succeed(map[string]any{"state": string(StateIdle)})
}

func (s *Solver) handleGetSolution(_ device.Command, resp *device.Response) {
	res, ok := s.Solution()
	if !ok {
		resp.Fail(msgNoSolution)
		return
	}
	resp.Succeed(res.fields())
}

// tunableNames are the parameters set_parameters and set_property accept.
var tunableNames = []string{
	PropSolveTime,
	PropSuccessRate,
	PropFOVMin,
	PropFOVMax,
	PropScaleMin,
	PropScaleMax,
	PropDownsample,
}

func (s *Solver) handleSetParameters(cmd device.Command, resp *device.Response) {
	applied, err := s.applyTunables(cmd.Parameters)
	if err != nil {
		resp.FailErr(err)
		return
	}
	resp.Succeed(applied)
}

// tunable routes set_property for one parameter through applyTunables.
func (s *Solver) tunable(name string) device.Validator {
	return func(v any) (any, error) {
		applied, err := s.applyTunables(device.Params{name: v})
		if err != nil {
			return nil, err
		}
		return applied[name], nil
	}
}

// applyTunables overlays the parameters present in in, validates the result
// and publishes it. Nothing changes on error.
func (s *Solver) applyTunables(in device.Params) (map[string]any, error) {
	s.mu.Lock()
	defer s.unlock()

	t := s.t
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{PropSolveTime, &t.solveTime},
		{PropSuccessRate, &t.successRate},
		{PropFOVMin, &t.fovMin},
		{PropFOVMax, &t.fovMax},
		{PropScaleMin, &t.scaleMin},
		{PropScaleMax, &t.scaleMax},
	} {
		v, err := in.FloatOr(f.key, *f.dst)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	var err error
	if t.downsample, err = in.IntOr(PropDownsample, t.downsample); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInvalidParameter, err)
	}
	s.t = t
	s.publishTunables()
	return map[string]any{
		PropSolveTime:   t.solveTime,
		PropSuccessRate: t.successRate,
		PropFOVMin:      t.fovMin,
		PropFOVMax:      t.fovMax,
		PropScaleMin:    t.scaleMin,
		PropScaleMax:    t.scaleMax,
		PropDownsample:  t.downsample,
	}, nil
}
