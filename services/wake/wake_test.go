package wake

import (
	"context"
	"errors"
	"testing"
	"time"

	"sensornode-go/errcode"
	"sensornode-go/services/counter"
	"sensornode-go/services/update"
	"sensornode-go/types"
	"sensornode-go/x/logging"
)

// --- fakes ---

type fakeSensor struct {
	initErr, readErr error
	reading          types.SensorReading
	panicOnRead      bool
	inits, reads     int
	closes           int
}

func (s *fakeSensor) Init(context.Context) error { s.inits++; return s.initErr }
func (s *fakeSensor) Close() error               { s.closes++; return nil }
func (s *fakeSensor) Read(context.Context) (types.SensorReading, error) {
	s.reads++
	if s.panicOnRead {
		panic("i2c bus wedged")
	}
	return s.reading, s.readErr
}

type fakeSession struct {
	connectErr  error
	connects    int
	disconnects int
	timeout     time.Duration
}

func (s *fakeSession) Connect(_ context.Context, timeout time.Duration) error {
	s.connects++
	s.timeout = timeout
	return s.connectErr
}
func (s *fakeSession) Disconnect() error { s.disconnects++; return nil }
func (s *fakeSession) State() types.SessionState {
	if s.connects > s.disconnects && s.connectErr == nil {
		return types.SessionConnected
	}
	return types.SessionDisconnected
}

type fakePublisher struct {
	err      error
	panics   bool
	sent     []types.SensorReading
	deadline time.Duration
}

func (p *fakePublisher) Publish(ctx context.Context, r types.SensorReading) error {
	if p.panics {
		panic("nil transport")
	}
	if dl, ok := ctx.Deadline(); ok {
		p.deadline = time.Until(dl)
	}
	p.sent = append(p.sent, r)
	return p.err
}

type fakeChecker struct {
	manifest update.Manifest
	err      error
	checks   []types.WakeCounter
	count    func() types.WakeCounter
}

func (c *fakeChecker) Check(context.Context) (update.Manifest, error) {
	c.checks = append(c.checks, c.count())
	return c.manifest, c.err
}

type fakeInstaller struct {
	err     error
	applied []update.Manifest
}

func (i *fakeInstaller) Apply(_ context.Context, m update.Manifest) error {
	i.applied = append(i.applied, m)
	return i.err
}

type fakeSleeper struct {
	slept   []time.Duration
	panics  bool
	onSleep func()
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	if s.panics {
		panic("rtc gone")
	}
	s.slept = append(s.slept, d)
	if s.onSleep != nil {
		s.onSleep()
	}
	return nil
}

type fakeRecorder struct {
	reports []types.CycleReport
	flushes int
}

func (r *fakeRecorder) Record(rep types.CycleReport) { r.reports = append(r.reports, rep) }
func (r *fakeRecorder) Flush() error                 { r.flushes++; return nil }

type brokenStore struct{ counter.Store }

func (brokenStore) Get(context.Context, counter.Key) (uint32, bool, error) {
	return 0, false, errors.New("database disk image is malformed")
}

// --- harness ---

type rig struct {
	store     counter.Store
	sensor    *fakeSensor
	session   *fakeSession
	publisher *fakePublisher
	checker   *fakeChecker
	installer *fakeInstaller
	sleeper   *fakeSleeper
	recorder  *fakeRecorder
	ctl       *Controller
}

var testKey = counter.Key{Namespace: "agent", Name: "wake_count"}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		store:     counter.NewMemory(),
		sensor:    &fakeSensor{reading: types.SensorReading{Temperature: 21.5, Humidity: 44, Pressure: 1009.3, GasResistance: 12345}},
		session:   &fakeSession{},
		publisher: &fakePublisher{},
		installer: &fakeInstaller{},
		sleeper:   &fakeSleeper{},
		recorder:  &fakeRecorder{},
	}
	r.checker = &fakeChecker{manifest: update.Manifest{Version: "1.2.0"}, count: func() types.WakeCounter { return r.ctl.lastCount }}
	r.build()
	return r
}

func (r *rig) build() {
	r.ctl = New(Config{
		CounterKey:          testKey,
		Sleep:               300 * time.Second,
		UpdateCheckInterval: 24,
		NetworkTimeout:      30 * time.Second,
		PublishTimeout:      10 * time.Second,
		FirmwareVersion:     "1.2.0",
	}, Deps{
		Store:     r.store,
		Sensor:    r.sensor,
		Session:   r.session,
		Publisher: r.publisher,
		Checker:   r.checker,
		Installer: r.installer,
		Sleeper:   r.sleeper,
		Recorder:  r.recorder,
		Logger:    logging.Discard(),
	})
}

func (r *rig) stored(t *testing.T) uint32 {
	t.Helper()
	v, _, err := r.store.Get(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func hasFault(rep types.CycleReport, c errcode.Code) bool {
	for _, err := range rep.Faults {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}

// --- tests ---

func TestSuccessfulCyclesCountFromColdBoot(t *testing.T) {
	r := newRig(t)
	const n = 10
	for i := 1; i <= n; i++ {
		rep := r.ctl.Run(context.Background())
		if rep.Count != types.WakeCounter(i) || rep.Outcome != types.OutcomePublished || !rep.Slept {
			t.Fatalf("cycle %d: %+v", i, rep)
		}
	}
	if got := r.stored(t); got != n {
		t.Fatalf("persisted count = %d, want %d", got, n)
	}
	if len(r.publisher.sent) != n || len(r.sleeper.slept) != n {
		t.Fatalf("published %d slept %d", len(r.publisher.sent), len(r.sleeper.slept))
	}
	if r.session.disconnects != n || r.sensor.closes != n {
		t.Fatalf("teardown: disconnects=%d closes=%d", r.session.disconnects, r.sensor.closes)
	}
	if r.sleeper.slept[0] != 300*time.Second {
		t.Fatalf("slept %v", r.sleeper.slept[0])
	}
	if r.session.timeout != 30*time.Second {
		t.Fatalf("network timeout %v", r.session.timeout)
	}
	if r.publisher.deadline <= 0 || r.publisher.deadline > 10*time.Second {
		t.Fatalf("publish deadline %v", r.publisher.deadline)
	}
}

func TestSensorInitFailure(t *testing.T) {
	r := newRig(t)
	r.sensor.initErr = errcode.New(errcode.SensorFault, "configure", errors.New("wrong chip"))

	rep := r.ctl.Run(context.Background())
	if rep.Outcome != types.OutcomeSensorFailed || !hasFault(rep, errcode.SensorFault) {
		t.Fatalf("report = %+v", rep)
	}
	if r.sensor.reads != 0 || r.session.connects != 0 {
		t.Fatalf("reads=%d connects=%d", r.sensor.reads, r.session.connects)
	}
	if r.stored(t) != 1 || !rep.Slept {
		t.Fatalf("count=%d slept=%v", r.stored(t), rep.Slept)
	}
}

func TestSensorReadFailureSkipsNetwork(t *testing.T) {
	r := newRig(t)
	r.sensor.readErr = errcode.New(errcode.SensorFault, "read", errcode.Timeout)

	rep := r.ctl.Run(context.Background())
	if rep.Outcome != types.OutcomeSensorFailed {
		t.Fatalf("outcome = %v", rep.Outcome)
	}
	if r.session.connects != 0 || len(r.publisher.sent) != 0 {
		t.Fatal("network touched after sensor failure")
	}
	if r.stored(t) != 1 {
		t.Fatalf("count = %d, want exactly one increment", r.stored(t))
	}
	if len(r.sleeper.slept) != 1 || r.sensor.closes != 1 {
		t.Fatal("did not tear down and sleep")
	}
}

func TestNetworkFailureSkipsPublishAndUpdate(t *testing.T) {
	r := newRig(t)
	r.store.Set(context.Background(), testKey, 23) // next wake is an update cycle
	r.session.connectErr = errcode.New(errcode.NetworkFault, "connect wlan0", errcode.Timeout)

	rep := r.ctl.Run(context.Background())
	if rep.Outcome != types.OutcomeNetworkFailed || !hasFault(rep, errcode.Timeout) {
		t.Fatalf("report = %+v", rep)
	}
	if len(r.publisher.sent) != 0 || len(r.checker.checks) != 0 {
		t.Fatal("publish or update check ran without network")
	}
	if !rep.Slept || r.session.disconnects != 1 {
		t.Fatalf("slept=%v disconnects=%d", rep.Slept, r.session.disconnects)
	}
}

func TestPublishFailureContinues(t *testing.T) {
	r := newRig(t)
	r.store.Set(context.Background(), testKey, 23)
	r.publisher.err = errcode.New(errcode.PublishFault, "post", errors.New("HTTP 500"))

	rep := r.ctl.Run(context.Background())
	if rep.Published || !hasFault(rep, errcode.PublishFault) {
		t.Fatalf("report = %+v", rep)
	}
	if len(r.publisher.sent) != 1 {
		t.Fatalf("publish attempts = %d, want 1", len(r.publisher.sent))
	}
	if !rep.UpdateChecked || rep.Outcome != types.OutcomeUpdateNotAvailable {
		t.Fatalf("update check skipped after publish failure: %+v", rep)
	}
}

func TestUpdateCadence(t *testing.T) {
	r := newRig(t)
	for i := 1; i <= 72; i++ {
		r.ctl.Run(context.Background())
	}
	want := []types.WakeCounter{24, 48, 72}
	if len(r.checker.checks) != len(want) {
		t.Fatalf("checks at %v, want %v", r.checker.checks, want)
	}
	for i := range want {
		if r.checker.checks[i] != want[i] {
			t.Fatalf("checks at %v, want %v", r.checker.checks, want)
		}
	}
}

func TestUpdateDue(t *testing.T) {
	for count := types.WakeCounter(1); count < 24; count++ {
		if UpdateDue(count, 24) {
			t.Fatalf("UpdateDue(%d, 24)", count)
		}
	}
	for _, count := range []types.WakeCounter{24, 48, 72} {
		if !UpdateDue(count, 24) {
			t.Fatalf("!UpdateDue(%d, 24)", count)
		}
	}
	if UpdateDue(24, 0) {
		t.Fatal("zero interval must never be due")
	}
	if !UpdateDue(5, 1) {
		t.Fatal("interval 1 is always due")
	}
}

func TestUpdateAvailableApplies(t *testing.T) {
	r := newRig(t)
	r.store.Set(context.Background(), testKey, 47)
	r.checker.manifest = update.Manifest{Version: "1.2.1"}

	rep := r.ctl.Run(context.Background())
	if len(r.installer.applied) != 1 || r.installer.applied[0].Version != "1.2.1" {
		t.Fatalf("applied = %v", r.installer.applied)
	}
	if rep.Outcome != types.OutcomeUpdateApplied || !rep.Slept {
		t.Fatalf("report = %+v", rep)
	}
}

func TestUpdateApplyFailureFallsThrough(t *testing.T) {
	r := newRig(t)
	r.store.Set(context.Background(), testKey, 23)
	r.checker.manifest = update.Manifest{Version: "2.0.0"}
	r.installer.err = errcode.New(errcode.UpdateApplyFault, "download", errors.New("EOF"))

	rep := r.ctl.Run(context.Background())
	if !hasFault(rep, errcode.UpdateApplyFault) || rep.Outcome != types.OutcomePublished {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Slept || r.session.disconnects != 1 {
		t.Fatal("no teardown after failed apply")
	}
}

func TestUpdateCheckFailure(t *testing.T) {
	r := newRig(t)
	r.store.Set(context.Background(), testKey, 23)
	r.checker.err = errcode.New(errcode.UpdateCheckFault, "get", errors.New("connection refused"))

	rep := r.ctl.Run(context.Background())
	if !hasFault(rep, errcode.UpdateCheckFault) || len(r.installer.applied) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Outcome != types.OutcomePublished {
		t.Fatalf("outcome = %v", rep.Outcome)
	}
}

func TestUpdatesDisabled(t *testing.T) {
	r := newRig(t)
	r.checker = nil
	r.ctl = New(r.ctl.cfg, Deps{
		Store: r.store, Sensor: r.sensor, Session: r.session, Publisher: r.publisher,
		Sleeper: r.sleeper, Logger: logging.Discard(),
	})
	r.store.Set(context.Background(), testKey, 23)
	if rep := r.ctl.Run(context.Background()); rep.UpdateChecked {
		t.Fatal("checked without a checker")
	}
}

func TestStoreFaultUsesInMemoryCount(t *testing.T) {
	r := newRig(t)
	r.ctl.Run(context.Background())
	r.ctl.Run(context.Background())

	r.store = brokenStore{r.store}
	r.ctl.deps.Store = r.store
	rep := r.ctl.Run(context.Background())
	if rep.Count != 3 || !hasFault(rep, errcode.StoreFault) {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Outcome != types.OutcomePublished || !rep.Slept {
		t.Fatalf("cycle did not continue: %+v", rep)
	}
}

func TestStoreFaultColdBoot(t *testing.T) {
	r := newRig(t)
	r.store = brokenStore{counter.NewMemory()}
	r.build()
	rep := r.ctl.Run(context.Background())
	if rep.Count != 1 || !hasFault(rep, errcode.StoreFault) {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPanicInCollaboratorStillSleeps(t *testing.T) {
	r := newRig(t)
	r.sensor.panicOnRead = true

	rep := r.ctl.Run(context.Background())
	if !hasFault(rep, errcode.Panic) || rep.Outcome != types.OutcomeSensorFailed {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Slept || len(r.sleeper.slept) != 1 || r.sensor.closes != 1 {
		t.Fatal("did not reach sleep after panic")
	}
	if r.session.connects != 0 {
		t.Fatal("network acquired after sensor panic")
	}
}

func TestPanicInPublisher(t *testing.T) {
	r := newRig(t)
	r.publisher.panics = true

	rep := r.ctl.Run(context.Background())
	if !hasFault(rep, errcode.Panic) || rep.Outcome != types.OutcomePublishFailed {
		t.Fatalf("report = %+v", rep)
	}
	if r.session.disconnects != 1 || !rep.Slept {
		t.Fatal("teardown skipped")
	}
}

func TestPanickingSleeperFallsBack(t *testing.T) {
	r := newRig(t)
	r.sleeper.panics = true
	r.ctl.cfg.Sleep = time.Millisecond

	rep := r.ctl.Run(context.Background())
	if !hasFault(rep, errcode.Panic) {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRecorderSeesEveryCycle(t *testing.T) {
	r := newRig(t)
	r.session.connectErr = errcode.NetworkFault
	r.ctl.Run(context.Background())
	r.session.connectErr = nil
	r.ctl.Run(context.Background())

	if len(r.recorder.reports) != 2 || r.recorder.flushes != 2 {
		t.Fatalf("reports=%d flushes=%d", len(r.recorder.reports), r.recorder.flushes)
	}
	if r.recorder.reports[0].Outcome != types.OutcomeNetworkFailed ||
		r.recorder.reports[1].Outcome != types.OutcomePublished {
		t.Fatalf("outcomes %v, %v", r.recorder.reports[0].Outcome, r.recorder.reports[1].Outcome)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleeper.onSleep = func() {
		if len(r.sleeper.slept) == 3 {
			cancel()
		}
	}
	if err := r.ctl.Loop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Loop = %v", err)
	}
	if r.stored(t) != 3 {
		t.Fatalf("cycles = %d", r.stored(t))
	}
}
