package camera

import (
	"sync"
	"time"

	"github.com/nerrad567/astro-devsim/internal/device"
	"github.com/nerrad567/astro-devsim/internal/imagestore"
)

// Name is the capability name.
const Name = "camera"

// State is the exposure state of the camera.
type State string

const (
	StateIdle       State = "IDLE"
	StateExposing   State = "EXPOSING"
	StateReadingOut State = "READING_OUT"
	StateComplete   State = "COMPLETE"
	StateAborted    State = "ABORTED"
	StateError      State = "ERROR"
)

// Event names.
const (
	EventExposureStarted  = "EXPOSURE_STARTED"
	EventExposureProgress = "EXPOSURE_PROGRESS"
	EventReadingOut       = "READING_OUT"
	EventExposureComplete = "EXPOSURE_COMPLETE"
	EventExposureAborted  = "EXPOSURE_ABORTED"
	EventExposureError    = "EXPOSURE_ERROR"
	EventCoolerChanged    = "COOLER_CHANGED"
)

// Property names.
const (
	PropState              = "camera_state"
	PropLastJobState       = "last_job_state"
	PropExposureInProgress = "exposure_in_progress"
	PropExposureDuration   = "exposure_duration"
	PropExposureProgress   = "exposure_progress"
	PropExposureLight      = "exposure_light"
	PropJobID              = "exposure_job_id"
	PropImageReady         = "image_ready"
	PropImageRef           = "image_ref"
	PropImageBytes         = "image_bytes"
	PropLastError          = "last_error"
	PropWidth              = "width"
	PropHeight             = "height"
	PropPixelSize          = "pixel_size"
	PropBitDepth           = "bit_depth"
	PropGain               = "gain"
	PropOffset             = "offset"
	PropBinning            = "binning"
	PropHasCooler          = "has_cooler"
	PropCoolerEnabled      = "cooler_enabled"
	PropCoolerPower        = "cooler_power"
	PropTargetTemperature  = "target_temperature"
	PropSensorTemperature  = "ccd_temperature"
	PropAmbientTemperature = "ambient_temperature"
)

// Deps holds the camera's collaborators. Zero fields get defaults.
type Deps struct {
	// Store receives synthesized frames. Defaults to a MemoryStore.
	Store imagestore.Store

	// Random drives frame noise. Defaults to a fixed-seed source.
	Random device.Random

	// Synthesize builds frame buffers. Defaults to NoiseFrame.
	Synthesize Synthesizer
}

// job is one exposure request.
type job struct {
	id        string
	duration  float64
	light     bool
	started   time.Time
	reported  time.Time // last progress event
	claimed   bool      // readout in flight
	state     State
}

// image is the last committed frame.
type image struct {
	ref      imagestore.Ref
	jobID    string
	width    int
	height   int
	bitDepth int
	exposure float64
	light    bool
}

// Camera is the exposure and cooling capability.
//
// Thread Safety: All methods are safe for concurrent use.
type Camera struct {
	cfg        Config
	store      imagestore.Store
	rng        device.Random
	synthesize Synthesizer
	now        func() time.Time

	dev *device.Device

	mu        sync.Mutex
	state     State
	job       *job
	lastImage *image
	gain      int
	offset    int
	binning   int
	cooler    cooler
}

// New creates a camera capability.
func New(cfg Config, deps Deps) (*Camera, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		deps.Store = imagestore.NewMemoryStore()
	}
	if deps.Random == nil {
		deps.Random = device.NewRandom(1)
	}
	if deps.Synthesize == nil {
		deps.Synthesize = NoiseFrame
	}

	return &Camera{
		cfg:        cfg,
		store:      deps.Store,
		rng:        deps.Random,
		synthesize: deps.Synthesize,
		now:        time.Now,
		state:      StateIdle,
		gain:       cfg.Gain,
		offset:     cfg.Offset,
		binning:    cfg.Binning,
		cooler: cooler{
			ambient:     cfg.AmbientTemperature,
			temperature: cfg.AmbientTemperature,
			target:      cfg.AmbientTemperature,
		},
	}, nil
}

// Name returns "camera".
func (c *Camera) Name() string { return Name }

// Attach publishes sensor properties and registers camera commands.
func (c *Camera) Attach(d *device.Device) error {
	c.dev = d

	c.mu.Lock()
	d.Stage(map[string]any{
		PropState:              string(StateIdle),
		PropLastJobState:       string(StateIdle),
		PropExposureInProgress: false,
		PropExposureDuration:   0.0,
		PropExposureProgress:   0.0,
		PropExposureLight:      true,
		PropJobID:              "",
		PropImageReady:         false,
		PropImageRef:           "",
		PropImageBytes:         0,
		PropLastError:          "",
		PropWidth:              c.cfg.Width,
		PropHeight:             c.cfg.Height,
		PropPixelSize:          c.cfg.PixelSize,
		PropBitDepth:           c.cfg.BitDepth,
		PropGain:               c.gain,
		PropOffset:             c.offset,
		PropBinning:            c.binning,
		PropHasCooler:          c.cfg.HasCooler,
		PropCoolerEnabled:      false,
		PropCoolerPower:        0.0,
		PropTargetTemperature:  c.cooler.target,
		PropSensorTemperature:  round(c.cooler.temperature, 2),
		PropAmbientTemperature: c.cooler.ambient,
	})
	c.unlock()

	d.Handle(CmdStartExposure, c.handleStartExposure)
	d.Handle(CmdAbortExposure, c.handleAbortExposure)
	d.Handle(CmdGetImage, c.handleGetImage)
	d.Handle(CmdSetGain, c.handleSetGain)
	d.Handle(CmdSetOffset, c.handleSetOffset)
	d.Handle(CmdSetBinning, c.handleSetBinning)
	d.Handle(CmdSetCooler, c.handleSetCooler)

	d.Tunable(PropGain, device.IntSetter(PropGain, c.setGain))
	d.Tunable(PropOffset, device.IntSetter(PropOffset, c.setOffset))
	d.Tunable(PropBinning, device.IntSetter(PropBinning, c.setBinning))
	return nil
}

// Start spawns the exposure and cooling loops.
func (c *Camera) Start(d *device.Device) error {
	err := d.Spawn(device.Task{
		Name:     "camera.exposure",
		Interval: c.cfg.TickInterval,
		Step:     c.exposureStep,
		OnFault:  c.failActive,
	})
	if err != nil {
		return err
	}
	return d.Spawn(device.Task{
		Name:     "camera.cooling",
		Interval: c.cfg.CoolingInterval,
		Step:     c.coolingStep,
	})
}

// Stop aborts an exposure left in flight by a device stop.
func (c *Camera) Stop(d *device.Device) {
	c.mu.Lock()
	j := c.job
	if j == nil || !active(c.state) {
		c.unlock()
		return
	}
	elapsed := c.elapsed(j)
	c.finishLocked(j, StateIdle, StateAborted)
	c.unlock()

	d.Emit(EventExposureAborted, map[string]any{
		"job_id":        j.id,
		"exposure_time": round(elapsed, 3),
		"reason":        "device stopped",
	})
}

// State returns the current exposure state.
func (c *Camera) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// unlock releases c.mu and delivers the property changes staged under it.
func (c *Camera) unlock() {
	c.mu.Unlock()
	c.dev.Notify()
}

func active(s State) bool {
	return s == StateExposing || s == StateReadingOut
}

// elapsed returns exposure time in units. Caller holds c.mu.
func (c *Camera) elapsed(j *job) float64 {
	return c.dev.Timebase().Units(c.now().Sub(j.started))
}

// binnedSize returns the frame dimensions at the current binning.
// Caller holds c.mu.
func (c *Camera) binnedSize() (int, int) {
	return c.cfg.Width / c.binning, c.cfg.Height / c.binning
}

// finishLocked ends j, moving the camera to state and recording the job
// outcome. Caller holds c.mu.
func (c *Camera) finishLocked(j *job, state, outcome State) {
	j.state = outcome
	c.state = state
	c.dev.Stage(map[string]any{
		PropState:              string(state),
		PropLastJobState:       string(outcome),
		PropExposureInProgress: false,
	})
}
