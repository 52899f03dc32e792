// Package rollback keeps a local simulation replica in step with a remote peer by
// predicting missing inputs and re-simulating from snapshots when a prediction was wrong.
package rollback

import (
	"github.com/alecthomas/log4go"
	"github.com/pkg/errors"
)

const (
	DefaultSnapshotInterval Frame = 5
	DefaultMaxSnapshots           = 30
	DefaultRetentionWindow  Frame = 60
	DefaultQueueSize              = 4096
)

var (
	ErrNoStateCapture = errors.New("environment does not support state capture")
	ErrRollingBack    = errors.New("rollback in progress")
)

// Config tunes one engine. Zero values fall back to the package defaults.
type Config struct {
	LocalID PlayerID
	// Players are the human participants, local one included
	Players []PlayerID
	// Bots are scripted agents; on replay they reuse their recorded action
	Bots map[PlayerID]BotPolicy

	InputDelay       Frame
	SnapshotInterval Frame
	MaxSnapshots     int
	RetentionWindow  Frame
	Prediction       PredictionPolicy
	DefaultAction    Action
	QueueSize        int

	// DisableRollback turns the engine into best-effort in-order play
	DisableRollback bool
}

func (c *Config) normalize() {
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = DefaultMaxSnapshots
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// RemoteInput is a confirmed input that arrived from the network
type RemoteInput struct {
	Player PlayerID
	Frame  Frame
	Action Action
}

// Stats are cumulative engine counters for the current session
type Stats struct {
	Rollbacks        int
	SkippedRollbacks int
	MaxRollbackDepth Frame
	FramesReplayed   int
	PredictedFrames  int
	LateInputs       int
	Mispredictions   int
	DroppedInputs    int
}

type confirmedAction struct {
	frame  Frame
	action Action
}

// Engine is the rollback core of one peer. Every method except EnqueueRemoteInput
// must be called from the single goroutine that drives the frame loop.
type Engine struct {
	cfg      Config
	env      Environment
	capturer StateCapturer
	botIDs   []PlayerID

	frame            Frame
	stepCount        uint32
	cumulativeReward float64

	inputs           *InputBuffer
	predicted        map[Frame]struct{}
	actionLog        map[Frame]Actions
	snapshots        *SnapshotStore
	lastConfirmed    map[PlayerID]confirmedAction
	confirmedThrough Frame

	queue chan RemoteInput

	pendingRollback bool
	rollbackTarget  Frame
	rollingBack     bool
	replayBots      map[Frame]Actions

	stats   Stats
	metrics *engineMetrics
}

// NewEngine builds an engine over env. Rollback is disabled, with a warning, when env
// can not capture its state.
func NewEngine(env Environment, cfg Config) *Engine {
	cfg.normalize()
	players := append([]PlayerID(nil), cfg.Players...)
	SortPlayers(players)
	cfg.Players = players

	e := &Engine{
		cfg:           cfg,
		env:           env,
		inputs:        NewInputBuffer(),
		predicted:     make(map[Frame]struct{}),
		actionLog:     make(map[Frame]Actions),
		snapshots:     NewSnapshotStore(cfg.MaxSnapshots),
		lastConfirmed: make(map[PlayerID]confirmedAction),
		queue:         make(chan RemoteInput, cfg.QueueSize),
		metrics:       newEngineMetrics(cfg.LocalID),
	}
	for id := range cfg.Bots {
		e.botIDs = append(e.botIDs, id)
	}
	SortPlayers(e.botIDs)

	if c, ok := env.(StateCapturer); ok {
		e.capturer = c
	} else if !cfg.DisableRollback {
		log4go.Warn("[rollback] environment has no state capture, rollback and resync disabled")
		e.cfg.DisableRollback = true
	}
	return e
}

// CanCapture reports whether the environment supports state save and restore
func (e *Engine) CanCapture() bool {
	return e.capturer != nil
}

// RollbackEnabled reports whether mispredictions are repaired by rollback
func (e *Engine) RollbackEnabled() bool {
	return !e.cfg.DisableRollback && e.capturer != nil
}

func (e *Engine) Frame() Frame {
	return e.frame
}

func (e *Engine) StepCount() uint32 {
	return e.stepCount
}

func (e *Engine) CumulativeReward() float64 {
	return e.cumulativeReward
}

func (e *Engine) Inputs() *InputBuffer {
	return e.inputs
}

func (e *Engine) Snapshots() *SnapshotStore {
	return e.snapshots
}

func (e *Engine) Stats() Stats {
	return e.stats
}

func (e *Engine) Players() []PlayerID {
	return e.cfg.Players
}

func (e *Engine) LocalID() PlayerID {
	return e.cfg.LocalID
}

func (e *Engine) InputDelay() Frame {
	return e.cfg.InputDelay
}

// IsPredicted reports whether frame was stepped with a guess not yet verified
func (e *Engine) IsPredicted(frame Frame) bool {
	_, ok := e.predicted[frame]
	return ok
}

// PendingRollback returns the earliest frame a queued correction will roll back to
func (e *Engine) PendingRollback() (Frame, bool) {
	return e.rollbackTarget, e.pendingRollback
}

// ConfirmedThrough is the first frame whose state may still depend on a prediction.
// Every frame before it was stepped with confirmed inputs only.
func (e *Engine) ConfirmedThrough() Frame {
	return e.confirmedThrough
}

// ActionAt returns the action set used to step frame
func (e *Engine) ActionAt(frame Frame) (Actions, bool) {
	a, ok := e.actionLog[frame]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Reset starts a new episode: every buffer is cleared and the environment reseeded.
// Inputs still queued belong to the episode being replaced and are discarded, so
// callers hold inputs for the next episode until Reset returns.
func (e *Engine) Reset(seed int64) (StepResult, error) {
	e.frame = 0
	e.stepCount = 0
	e.cumulativeReward = 0
	e.confirmedThrough = 0
	e.inputs.Reset()
	e.snapshots.Reset()
	e.predicted = make(map[Frame]struct{})
	e.actionLog = make(map[Frame]Actions)
	e.lastConfirmed = make(map[PlayerID]confirmedAction)
	e.pendingRollback = false
	e.replayBots = nil
	e.discardQueued()

	res, err := e.env.Reset(seed)
	if err != nil {
		return res, errors.Wrapf(err, "reset environment seed=%d", seed)
	}
	return res, nil
}

// AddLocalInput schedules the local action generated now for frame+InputDelay and
// returns that target frame.
func (e *Engine) AddLocalInput(action Action) Frame {
	target := e.frame + e.cfg.InputDelay
	if !e.inputs.Set(target, e.cfg.LocalID, action) {
		log4go.Debug("[rollback] local input for frame %d already set", target)
	}
	e.noteConfirmed(e.cfg.LocalID, target, action)
	return target
}

// EnqueueRemoteInput hands a network input to the frame loop. It is safe to call from
// any goroutine and never touches engine state. It returns false when the queue is full.
func (e *Engine) EnqueueRemoteInput(in RemoteInput) bool {
	select {
	case e.queue <- in:
		return true
	default:
		log4go.Warn("[rollback] input queue full, dropped player=%s frame=%d", in.Player, in.Frame)
		return false
	}
}

// DrainInputs applies every queued remote input. Late corrections schedule a rollback.
// It does nothing while a rollback replay is running.
func (e *Engine) DrainInputs() int {
	if e.rollingBack {
		return 0
	}
	n := 0
	for {
		select {
		case in := <-e.queue:
			e.applyRemote(in)
			n++
		default:
			return n
		}
	}
}

// discardQueued drops inputs queued for the episode being replaced
func (e *Engine) discardQueued() {
	for {
		select {
		case <-e.queue:
		default:
			return
		}
	}
}

func (e *Engine) horizon() Frame {
	if e.frame > e.cfg.RetentionWindow {
		return e.frame - e.cfg.RetentionWindow
	}
	return 0
}

// retainFrom is the oldest frame whose inputs and action log are kept: the horizon
// rounded down to a snapshot frame, so a rollback for any input still accepted restores
// a snapshot it can replay from recorded data
func (e *Engine) retainFrom() Frame {
	h := e.horizon()
	return h - h%e.cfg.SnapshotInterval
}

func (e *Engine) applyRemote(in RemoteInput) {
	if in.Frame < e.horizon() || in.Frame >= e.frame+e.cfg.RetentionWindow+e.cfg.InputDelay {
		e.stats.DroppedInputs++
		log4go.Debug("[rollback] input outside window player=%s frame=%d current=%d", in.Player, in.Frame, e.frame)
		return
	}
	if !e.inputs.Set(in.Frame, in.Player, in.Action) {
		return
	}
	e.noteConfirmed(in.Player, in.Frame, in.Action)

	if in.Frame >= e.frame {
		return
	}
	e.stats.LateInputs++
	if _, ok := e.predicted[in.Frame]; !ok {
		return
	}

	used, ok := e.actionLog[in.Frame][in.Player]
	if ok && used == in.Action {
		e.verifyFrame(in.Frame)
		return
	}

	e.stats.Mispredictions++
	if !e.RollbackEnabled() {
		e.stats.SkippedRollbacks++
		return
	}
	log4go.Debug("[rollback] misprediction player=%s frame=%d predicted=%d actual=%d",
		in.Player, in.Frame, used, in.Action)
	e.scheduleRollback(in.Frame)
}

func (e *Engine) scheduleRollback(frame Frame) {
	if !e.pendingRollback || frame < e.rollbackTarget {
		e.rollbackTarget = frame
	}
	e.pendingRollback = true
}

// verifyFrame clears the predicted marker once every participant's input at frame is
// confirmed and matches what was used
func (e *Engine) verifyFrame(frame Frame) {
	if !e.inputs.Has(frame, e.cfg.Players) {
		return
	}
	used := e.actionLog[frame]
	for _, p := range e.cfg.Players {
		if a, _ := e.inputs.Get(frame, p); used[p] != a {
			return
		}
	}
	delete(e.predicted, frame)
	e.advanceConfirmed()
}

func (e *Engine) advanceConfirmed() {
	for e.confirmedThrough < e.frame {
		if _, ok := e.predicted[e.confirmedThrough]; ok {
			return
		}
		e.confirmedThrough++
	}
}

func (e *Engine) noteConfirmed(p PlayerID, frame Frame, action Action) {
	if last, ok := e.lastConfirmed[p]; ok && last.frame > frame {
		return
	}
	e.lastConfirmed[p] = confirmedAction{frame: frame, action: action}
}

func (e *Engine) predict(p PlayerID) Action {
	if e.cfg.Prediction == PredictRepeatLast {
		if last, ok := e.lastConfirmed[p]; ok {
			return last.action
		}
	}
	return e.cfg.DefaultAction
}

// resolve builds the action set for frame from confirmed inputs, predictions and bots
func (e *Engine) resolve(frame Frame, replay bool) (Actions, bool) {
	actions := make(Actions, len(e.cfg.Players)+len(e.botIDs))
	predicted := false
	for _, p := range e.cfg.Players {
		if a, ok := e.inputs.Get(frame, p); ok {
			actions[p] = a
			continue
		}
		actions[p] = e.predict(p)
		predicted = true
	}

	for _, id := range e.botIDs {
		if replay {
			if a, ok := e.replayBots[frame][id]; ok {
				actions[id] = a
				continue
			}
		}
		actions[id] = e.cfg.Bots[id](frame)
	}
	return actions, predicted
}

// Step runs one frame: drain queued inputs, roll back if a prediction proved wrong,
// then advance the simulation by one frame.
func (e *Engine) Step() (StepResult, error) {
	if e.rollingBack {
		return StepResult{}, ErrRollingBack
	}
	e.DrainInputs()
	if e.pendingRollback {
		target := e.rollbackTarget
		e.pendingRollback = false
		e.PerformRollback(target)
	}

	res, err := e.advance(false)
	if err != nil {
		return res, err
	}
	e.prune()
	return res, nil
}

func (e *Engine) advance(replay bool) (StepResult, error) {
	frame := e.frame
	if e.RollbackEnabled() && frame%e.cfg.SnapshotInterval == 0 {
		e.saveSnapshot(frame)
	}

	actions, predicted := e.resolve(frame, replay)
	res, err := e.env.Step(actions)
	if err != nil {
		return res, errors.Wrapf(err, "step frame %d", frame)
	}

	e.actionLog[frame] = actions
	if predicted {
		e.predicted[frame] = struct{}{}
		if !replay {
			e.stats.PredictedFrames++
			e.metrics.predict()
		}
	} else {
		delete(e.predicted, frame)
	}

	e.frame++
	e.stepCount++
	for _, r := range res.Rewards {
		e.cumulativeReward += r
	}
	e.advanceConfirmed()
	return res, nil
}

func (e *Engine) saveSnapshot(frame Frame) {
	state, err := e.capturer.GetState()
	if err != nil {
		log4go.Warn("[rollback] snapshot frame %d failed: %v", frame, err)
		return
	}
	e.snapshots.Save(Snapshot{
		Frame:            frame,
		State:            state.clone(),
		StepCount:        e.stepCount,
		CumulativeReward: e.cumulativeReward,
	})
}

// PerformRollback restores the newest snapshot at or before target and re-simulates
// up to the current frame. It returns false, leaving the replica as it was, when no
// usable snapshot exists.
func (e *Engine) PerformRollback(target Frame) bool {
	if e.rollingBack {
		return false
	}
	if !e.RollbackEnabled() {
		e.skipRollback(target, "rollback disabled")
		return false
	}
	if target >= e.frame {
		return false
	}

	snap, ok := e.snapshots.LatestAtOrBefore(target)
	if !ok {
		e.skipRollback(target, "no snapshot at or before target")
		return false
	}
	if snap.Frame < e.retainFrom() {
		e.skipRollback(target, "snapshot predates retained inputs")
		return false
	}
	if err := e.capturer.SetState(snap.State.clone()); err != nil {
		e.skipRollback(target, err.Error())
		return false
	}

	end := e.frame
	e.rollingBack = true
	defer func() {
		e.rollingBack = false
		e.replayBots = nil
	}()

	e.replayBots = make(map[Frame]Actions, end-snap.Frame)
	for f := snap.Frame; f < end; f++ {
		if logged, ok := e.actionLog[f]; ok && len(e.botIDs) > 0 {
			bots := make(Actions, len(e.botIDs))
			for _, id := range e.botIDs {
				if a, ok := logged[id]; ok {
					bots[id] = a
				}
			}
			e.replayBots[f] = bots
		}
		delete(e.actionLog, f)
		delete(e.predicted, f)
	}
	e.snapshots.DropAfter(snap.Frame)

	e.frame = snap.Frame
	e.stepCount = snap.StepCount
	e.cumulativeReward = snap.CumulativeReward
	if e.confirmedThrough > snap.Frame {
		e.confirmedThrough = snap.Frame
	}

	for e.frame < end {
		if _, err := e.advance(true); err != nil {
			log4go.Error("[rollback] replay stopped at frame %d: %v", e.frame, err)
			break
		}
	}

	depth := end - target
	e.stats.Rollbacks++
	e.stats.FramesReplayed += int(end - snap.Frame)
	if depth > e.stats.MaxRollbackDepth {
		e.stats.MaxRollbackDepth = depth
	}
	e.metrics.rollback(depth)
	log4go.Debug("[rollback] rolled back to %d (snapshot %d), replayed to %d", target, snap.Frame, e.frame)

	e.prune()
	return true
}

func (e *Engine) skipRollback(target Frame, reason string) {
	e.stats.SkippedRollbacks++
	e.metrics.skip()
	log4go.Warn("[rollback] skipped rollback to frame %d at frame %d: %s", target, e.frame, reason)
}

// prune drops inputs, markers and log entries older than the retention window, kept
// back to the snapshot frame at or before the horizon, and snapshots beyond MaxSnapshots
func (e *Engine) prune() {
	if floor := e.retainFrom(); floor > 0 {
		e.inputs.PruneBefore(floor)
		for f := range e.predicted {
			if f < floor {
				delete(e.predicted, f)
			}
		}
		for f := range e.actionLog {
			if f < floor {
				delete(e.actionLog, f)
			}
		}
	}
	if horizon := e.horizon(); e.confirmedThrough < horizon {
		e.confirmedThrough = horizon
		e.advanceConfirmed()
	}
	e.snapshots.Trim()
}

// CaptureState serializes the live simulation for hashing or a resync answer
func (e *Engine) CaptureState() (State, error) {
	if e.capturer == nil {
		return State{}, ErrNoStateCapture
	}
	state, err := e.capturer.GetState()
	if err != nil {
		return State{}, errors.Wrap(err, "capture state")
	}
	return state.clone(), nil
}

// ApplyState overwrites the replica with a peer's state at frame and clears every piece
// of rollback state. Confirmed inputs are kept.
func (e *Engine) ApplyState(frame Frame, stepCount uint32, state State, cumulativeReward float64) error {
	if e.capturer == nil {
		return ErrNoStateCapture
	}
	if e.rollingBack {
		return ErrRollingBack
	}
	if err := e.capturer.SetState(state.clone()); err != nil {
		return errors.Wrapf(err, "apply state frame %d", frame)
	}

	e.frame = frame
	e.stepCount = stepCount
	e.cumulativeReward = cumulativeReward
	e.snapshots.Reset()
	e.predicted = make(map[Frame]struct{})
	e.actionLog = make(map[Frame]Actions)
	e.pendingRollback = false
	e.confirmedThrough = frame
	e.prune()
	return nil
}

// ActionCounts tallies the logged non-default actions per participant, for desync diagnostics
func (e *Engine) ActionCounts() map[PlayerID]uint32 {
	counts := make(map[PlayerID]uint32)
	for _, actions := range e.actionLog {
		for p, a := range actions {
			if a != e.cfg.DefaultAction {
				counts[p]++
			}
		}
	}
	return counts
}
