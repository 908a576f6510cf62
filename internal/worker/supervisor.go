package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/config"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/metrics"
	"github.com/technosupport/ts-park/internal/plates"
)

// restartCooldown is how long a panicked worker waits before restarting.
const restartCooldown = time.Second

type runningWorker struct {
	cam    data.Camera
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor reconciles running workers against the camera config: it
// spawns workers for enabled cameras, stops workers for cameras that
// disappear or change, and restarts workers that panic.
type Supervisor struct {
	cfg      config.Config
	cache    *data.ConfigCache
	registry *plates.Registry
	deps     Deps

	mu      sync.Mutex
	running map[uuid.UUID]*runningWorker
}

func NewSupervisor(cfg config.Config, cache *data.ConfigCache, registry *plates.Registry, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
		deps:     deps,
		running:  make(map[uuid.UUID]*runningWorker),
	}
}

// Run reconciles immediately, then on every refresh interval, until ctx is
// done. On shutdown all workers are stopped and waited for.
func (s *Supervisor) Run(ctx context.Context) {
	s.reconcile(ctx)

	ticker := time.NewTicker(s.cfg.CamerasRefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	// The cache keeps its previous snapshot when a refresh fails, so a
	// flaky store never tears down the fleet.
	cams := s.cache.ActiveCameras(ctx)

	desired := make(map[uuid.UUID]data.Camera, len(cams))
	for _, cam := range cams {
		if cam.IsBarrier() {
			// Barrier cameras push plates over the API; they get no
			// pipeline worker.
			continue
		}
		desired[cam.ID] = cam
	}

	s.mu.Lock()
	var toStop []*runningWorker
	for id, rw := range s.running {
		cam, ok := desired[id]
		if ok && !cameraChanged(rw.cam, cam) {
			delete(desired, id)
			continue
		}
		// Gone or changed: stop it. Changed cameras respawn with the new
		// config on this same pass.
		toStop = append(toStop, rw)
		delete(s.running, id)
	}
	s.mu.Unlock()

	for _, rw := range toStop {
		s.stopWorker(rw)
	}

	for _, cam := range desired {
		s.startWorker(ctx, cam)
	}

	s.mu.Lock()
	metrics.WorkersRunning.Set(float64(len(s.running)))
	s.mu.Unlock()
}

func cameraChanged(prev, cur data.Camera) bool {
	return prev.SnapshotURL != cur.SnapshotURL ||
		prev.TargetFPS != cur.TargetFPS ||
		prev.Role != cur.Role
}

func (s *Supervisor) startWorker(ctx context.Context, cam data.Camera) {
	deps := s.deps
	deps.PlateSrc = s.registry.ForLot(cam.ParkingLotID)

	w, err := New(cam, s.cfg, deps)
	if err != nil {
		log.Printf("[Supervisor] cannot start worker for %s: %v", cam.Name, err)
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	rw := &runningWorker{
		cam:    cam,
		worker: w,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.running[cam.ID] = rw
	s.mu.Unlock()

	go func() {
		defer close(rw.done)
		for wctx.Err() == nil {
			s.runGuarded(wctx, rw)
		}
	}()
}

// runGuarded runs the worker once, turning a panic into a logged restart
// after a short cooldown.
func (s *Supervisor) runGuarded(ctx context.Context, rw *runningWorker) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Supervisor] worker %s panicked: %v", rw.cam.Name, r)
			select {
			case <-ctx.Done():
			case <-time.After(restartCooldown):
			}
		}
	}()
	rw.worker.Run(ctx)
}

func (s *Supervisor) stopWorker(rw *runningWorker) {
	rw.cancel()
	select {
	case <-rw.done:
	case <-time.After(s.cfg.WorkerShutdownTimeout()):
		log.Printf("[Supervisor] worker %s did not stop within %v", rw.cam.Name, s.cfg.WorkerShutdownTimeout())
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	all := make([]*runningWorker, 0, len(s.running))
	for id, rw := range s.running {
		all = append(all, rw)
		delete(s.running, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, rw := range all {
		wg.Add(1)
		go func(rw *runningWorker) {
			defer wg.Done()
			s.stopWorker(rw)
		}(rw)
	}
	wg.Wait()
	metrics.WorkersRunning.Set(0)
	log.Printf("[Supervisor] all workers stopped")
}

// Statuses snapshots every running worker for /api/status.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.running))
	for _, rw := range s.running {
		out = append(out, rw.worker.Status())
	}
	return out
}
