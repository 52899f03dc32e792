package rollback

import (
	"sort"
	"strconv"
)

// PlayerID identifies a participant. Ids that both parse as integers order numerically,
// anything else orders lexicographically.
type PlayerID string

// Less reports whether p sorts before o. Both peers evaluate it identically.
func (p PlayerID) Less(o PlayerID) bool {
	a, errA := strconv.ParseInt(string(p), 10, 64)
	b, errB := strconv.ParseInt(string(o), 10, 64)
	if errA == nil && errB == nil {
		return a < b
	}
	return p < o
}

// SortPlayers orders ids with Less
func SortPlayers(ids []PlayerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Frame is the simulation tick counter
type Frame uint32

// Action is one player's discrete input for one frame
type Action uint8

// Actions is the full action set used to step one frame
type Actions map[PlayerID]Action

func (a Actions) clone() Actions {
	ret := make(Actions, len(a))
	for k, v := range a {
		ret[k] = v
	}
	return ret
}

// StepResult is what the simulation returns from Reset and Step
type StepResult struct {
	Observation interface{}
	Rewards     map[PlayerID]float64
	Terminated  bool
	Truncated   bool
	Info        map[string]interface{}
	RenderState interface{}
}

// Environment is the external simulation stepped by the engine
type Environment interface {
	Reset(seed int64) (StepResult, error)
	Step(actions Actions) (StepResult, error)
	Render() (interface{}, error)
}

// State is an opaque serialized simulation state plus its random generator state
type State struct {
	Engine []byte
	RNG    []byte
}

func (s State) clone() State {
	return State{
		Engine: append([]byte(nil), s.Engine...),
		RNG:    append([]byte(nil), s.RNG...),
	}
}

// StateCapturer is implemented by environments that can save and restore themselves.
// Rollback and resync are only available when the environment implements it.
type StateCapturer interface {
	GetState() (State, error)
	SetState(State) error
}

// BotPolicy decides the action of a scripted agent for a frame
type BotPolicy func(frame Frame) Action

// PredictionPolicy picks the stand-in for an input that has not arrived
type PredictionPolicy int

const (
	PredictRepeatLast PredictionPolicy = iota // repeat the participant's last confirmed action
	PredictDefault                            // always the configured default action
)

// ParsePrediction maps config values "repeat" and "default"
func ParsePrediction(s string) PredictionPolicy {
	if s == "default" {
		return PredictDefault
	}
	return PredictRepeatLast
}
