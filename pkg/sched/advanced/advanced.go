// Package advanced is the "advanced" scheduling overlay (spec §4.5): gaming
// workload classification, an AI-workload predictor, core specialization,
// and thermal migration, layered on top of pkg/sched without changing its
// queue discipline. It implements sched.Overlay.
//
// Following spec §4.5's "SHOULD be testable independently of physical
// hardware", temperature and performance-counter inputs are pluggable
// Source implementations, the same registry-of-typed-collectors idiom the
// base telemetry stack in this repo uses elsewhere (pkg/driver).
package advanced

import (
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/raeenos/kernel/pkg/process"
	"github.com/raeenos/kernel/pkg/ringbuffer"
	"github.com/raeenos/kernel/pkg/sched"
)

// thermalHistoryDepth bounds how many recent per-core temperature samples
// thermal decisions average over, smoothing out a single noisy reading.
const thermalHistoryDepth = 8

// CoreSpecialization partitions CPU cores at boot (spec §4.5).
type CoreSpecialization int

const (
	SpecGeneral CoreSpecialization = iota
	SpecPerformance
	SpecEfficiency
	SpecGaming
	SpecAI
)

// GamingQuantum is the 1ms time quantum gaming-class entities receive.
const GamingQuantum = 1

// WorkloadVector is the classifier's output: a probability per resource
// dimension (spec §3 "Scheduler entity").
type WorkloadVector struct {
	CPU, Memory, IO, GPU, Network float64
}

// TemperatureSource reports a simulated or real per-core temperature in
// degrees Celsius, pluggable for deterministic tests (spec §4.5).
type TemperatureSource interface {
	Temperature(core int) float64
}

// ConstantTemperature is a TemperatureSource useful for tests and for cores
// with no sensor wired up.
type ConstantTemperature float64

func (c ConstantTemperature) Temperature(core int) float64 { return float64(c) }

// gamingEntry is the registration made by register_gaming_process.
type gamingEntry struct {
	pid        int
	name       string
	targetFPS  float64
	deadline   time.Duration
}

// Core holds one CPU core's specialization and assigned temperature source.
type Core struct {
	Spec        CoreSpecialization
	Temperature TemperatureSource
	FrequencyHz uint64 // clamped by thermal migration
}

// Config tunes thresholds; all have spec-reasonable defaults via
// DefaultConfig.
type Config struct {
	ThermalThresholdC   float64
	AIGPUCPUThreshold   float64
	ThrottledFrequency  uint64
	NominalFrequency    uint64
}

func DefaultConfig() Config {
	return Config{
		ThermalThresholdC:  80.0,
		AIGPUCPUThreshold:  0.6,
		ThrottledFrequency: 1_800_000_000,
		NominalFrequency:   3_600_000_000,
	}
}

// Overlay implements sched.Overlay and the §4.5 public operations.
type Overlay struct {
	mu sync.Mutex

	cfg     Config
	cores   []*Core
	history []*ringbuffer.RingBuffer[float64] // per-core recent temperature samples
	gaming  map[int]*gamingEntry               // pid -> registration
	ai      map[int]WorkloadVector
	byPID   map[int]*sched.Entity

	logger logr.Logger

	// Stats are monotonic counters without correctness implications (spec
	// §9 "AI workload prediction ... are advisory overlays").
	Stats struct {
		PredictionsMade  int
		ThermalMigrations int
	}
}

func New(logger logr.Logger, cores []*Core, cfg Config) *Overlay {
	return &Overlay{
		cfg:     cfg,
		cores:   cores,
		history: make([]*ringbuffer.RingBuffer[float64], len(cores)),
		gaming:  make(map[int]*gamingEntry),
		ai:      make(map[int]WorkloadVector),
		byPID:   make(map[int]*sched.Entity),
		logger:  logger.WithName("sched.advanced"),
	}
}

// sampleTemp records core i's current temperature into its rolling history
// and returns the average of recent samples, smoothing a single spike
// before it triggers a migration (spec §4.5's thermal-migration scan).
func (o *Overlay) sampleTemp(i int) float64 {
	c := o.cores[i]
	if c.Temperature == nil {
		return math.Inf(1)
	}
	if o.history[i] == nil {
		o.history[i], _ = ringbuffer.New[float64](thermalHistoryDepth)
	}
	o.history[i].Push(c.Temperature.Temperature(i))
	samples := o.history[i].GetAll()
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

var _ sched.Overlay = (*Overlay)(nil)

// OnEnqueue implements sched.Overlay: it promotes registered gaming
// processes to the Realtime class, the highest priority, with a 1ms quantum.
func (o *Overlay) OnEnqueue(e *sched.Entity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byPID[e.Process.PID] = e
	if g, ok := o.gaming[e.Process.PID]; ok {
		e.Class = process.Realtime
		e.Quantum = GamingQuantum
		_ = g
	}
}

// PreferredCPU implements sched.Overlay: prefer a core whose specialization
// matches e's class and whose temperature is below threshold.
func (o *Overlay) PreferredCPU(e *sched.Entity) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	want := specForPID(o, e.Process.PID)
	best := -1
	for i, c := range o.cores {
		if c.Spec != want {
			continue
		}
		if c.Temperature != nil && o.sampleTemp(i) >= o.cfg.ThermalThresholdC {
			continue
		}
		best = i
		break
	}
	return best
}

func specForPID(o *Overlay, pid int) CoreSpecialization {
	if _, ok := o.gaming[pid]; ok {
		return SpecGaming
	}
	if _, ok := o.ai[pid]; ok {
		return SpecAI
	}
	return SpecGeneral
}

// RegisterGamingProcess implements register_gaming_process (spec §4.5).
func (o *Overlay) RegisterGamingProcess(pid int, name string, targetFPS float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	deadline := time.Duration(float64(time.Second) / targetFPS)
	o.gaming[pid] = &gamingEntry{pid: pid, name: name, targetFPS: targetFPS, deadline: deadline}
	if e, ok := o.byPID[pid]; ok {
		e.Class = process.Realtime
		e.Quantum = GamingQuantum
	}
}

// FrameDeadline returns the derived 1/target_fps deadline for a registered
// gaming process.
func (o *Overlay) FrameDeadline(pid int) (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.gaming[pid]
	if !ok {
		return 0, false
	}
	return g.deadline, true
}

// patternProbability is a tiny name-heuristic table standing in for the
// pattern-probability table spec §4.5 describes; entries are substring
// matches against the process name.
var patternProbability = map[string]WorkloadVector{
	"render":    {CPU: 0.7, Memory: 0.5, IO: 0.2, GPU: 0.8, Network: 0.1},
	"train":     {CPU: 0.8, Memory: 0.7, IO: 0.3, GPU: 0.9, Network: 0.2},
	"inference": {CPU: 0.6, Memory: 0.4, IO: 0.2, GPU: 0.85, Network: 0.1},
	"compress":  {CPU: 0.9, Memory: 0.3, IO: 0.5, GPU: 0.05, Network: 0.05},
}

// ClassifyWorkload produces a workload vector for a newly admitted process
// by name heuristics, flags it AI when GPU+CPU probability exceeds the
// configured threshold (spec §4.5 "AI predictor"). It records the vector
// and the flag only; no CPU, memory or GPU share is reserved.
func (o *Overlay) ClassifyWorkload(pid int, name string) WorkloadVector {
	o.mu.Lock()
	defer o.mu.Unlock()

	vec := classify(name)
	o.Stats.PredictionsMade++

	if vec.GPU+vec.CPU > o.cfg.AIGPUCPUThreshold*2 || (vec.GPU > 0 && vec.GPU+vec.CPU > o.cfg.AIGPUCPUThreshold) {
		o.ai[pid] = vec
	}
	return vec
}

func classify(name string) WorkloadVector {
	for pattern, vec := range patternProbability {
		if contains(name, pattern) {
			return vec
		}
	}
	return WorkloadVector{}
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return len(needle) == 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// IsAI reports whether pid was flagged AI by ClassifyWorkload.
func (o *Overlay) IsAI(pid int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ai[pid]
	return ok
}

// ThermalMigrate samples every core's temperature; cores over threshold have
// their gaming/AI entities migrated to the coolest other core and their
// frequency clamped. Advisory: failure to find a cooler core just skips
// that core (spec §4.5 "correctness of §4.4 does not depend on it
// succeeding").
func (o *Overlay) ThermalMigrate(s *sched.Scheduler) {
	o.mu.Lock()
	defer o.mu.Unlock()

	avgs := make([]float64, len(o.cores))
	for i := range o.cores {
		avgs[i] = o.sampleTemp(i)
	}

	for i, c := range o.cores {
		if c.Temperature == nil || avgs[i] < o.cfg.ThermalThresholdC {
			continue
		}

		cool, ok := o.coolestOtherLocked(i, avgs)
		if !ok {
			continue
		}

		c.FrequencyHz = o.cfg.ThrottledFrequency
		for pid, e := range o.byPID {
			if e.LastCPU != i {
				continue
			}
			if _, gaming := o.gaming[pid]; !gaming {
				if _, ai := o.ai[pid]; !ai {
					continue
				}
			}
			e.LastCPU = cool
			e.Migrations++
			o.Stats.ThermalMigrations++
		}
	}
}

func (o *Overlay) coolestOtherLocked(exclude int, avgs []float64) (int, bool) {
	best := -1
	bestTemp := math.Inf(1)
	for i, c := range o.cores {
		if i == exclude || c.Temperature == nil {
			continue
		}
		if avgs[i] < bestTemp {
			bestTemp = avgs[i]
			best = i
		}
	}
	return best, best != -1
}

// GamingInputBoost promotes pid's entity to the head of its class
// immediately (spec §4.5 "input boost").
func (o *Overlay) GamingInputBoost(s *sched.Scheduler, pid int) bool {
	o.mu.Lock()
	e, ok := o.byPID[pid]
	o.mu.Unlock()
	if !ok {
		return false
	}
	s.EnqueueHead(e)
	return true
}
