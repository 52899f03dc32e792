package rollback

import (
	"encoding/binary"
	"errors"
)

// chainEnv folds every action set into its state so any divergence in inputs shows up
type chainEnv struct {
	state uint64
	rng   uint64
	steps int
}

func (c *chainEnv) Reset(seed int64) (StepResult, error) {
	c.state = uint64(seed)
	c.rng = uint64(seed)*31 + 7
	c.steps = 0
	return StepResult{Observation: c.state}, nil
}

func (c *chainEnv) Step(actions Actions) (StepResult, error) {
	ids := make([]PlayerID, 0, len(actions))
	for id := range actions {
		ids = append(ids, id)
	}
	SortPlayers(ids)
	for _, id := range ids {
		for _, ch := range []byte(id) {
			c.state = c.state*1099511628211 ^ uint64(ch)
		}
		c.state = c.state*1099511628211 ^ uint64(actions[id])
	}
	c.rng = c.rng*6364136223846793005 + 1442695040888963407
	c.state ^= c.rng >> 33
	c.steps++

	rewards := make(map[PlayerID]float64, len(actions))
	for id, a := range actions {
		rewards[id] = float64(a)
	}
	return StepResult{Observation: c.state, Rewards: rewards}, nil
}

func (c *chainEnv) Render() (interface{}, error) {
	return c.state, nil
}

func (c *chainEnv) GetState() (State, error) {
	s := State{Engine: make([]byte, 8), RNG: make([]byte, 8)}
	binary.BigEndian.PutUint64(s.Engine, c.state)
	binary.BigEndian.PutUint64(s.RNG, c.rng)
	return s, nil
}

func (c *chainEnv) SetState(s State) error {
	if len(s.Engine) != 8 || len(s.RNG) != 8 {
		return errors.New("bad state")
	}
	c.state = binary.BigEndian.Uint64(s.Engine)
	c.rng = binary.BigEndian.Uint64(s.RNG)
	return nil
}

// plainEnv hides the state capture methods
type plainEnv struct {
	inner *chainEnv
}

func (p plainEnv) Reset(seed int64) (StepResult, error) { return p.inner.Reset(seed) }

func (p plainEnv) Step(a Actions) (StepResult, error) { return p.inner.Step(a) }

func (p plainEnv) Render() (interface{}, error) { return p.inner.Render() }
