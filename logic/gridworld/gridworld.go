// Package gridworld is a small deterministic coin-collecting game used by the demo
// peer and the session tests. Its whole state serializes to a few bytes.
package gridworld

import (
	"encoding/binary"
	"strings"

	"github.com/hedon954/go-rollback-netplay/logic/rollback"
	"github.com/pkg/errors"
)

const (
	ActionStay rollback.Action = iota
	ActionUp
	ActionDown
	ActionLeft
	ActionRight
	NumActions
)

var ErrBadState = errors.New("gridworld: malformed state")

type Config struct {
	Width    int32
	Height   int32
	Agents   []rollback.PlayerID
	MaxTicks uint32
}

type pos struct {
	X, Y int32
}

type agent struct {
	pos   pos
	score int32
}

// World implements rollback.Environment and rollback.StateCapturer
type World struct {
	cfg    Config
	ids    []rollback.PlayerID
	agents map[rollback.PlayerID]*agent
	coin   pos
	tick   uint32
	rng    uint64
}

func New(cfg Config) *World {
	if cfg.Width <= 0 {
		cfg.Width = 8
	}
	if cfg.Height <= 0 {
		cfg.Height = 8
	}
	w := &World{cfg: cfg}
	w.SetPlayers(cfg.Agents)
	return w
}

// SetPlayers replaces the roster. Positions are assigned at the next Reset.
func (w *World) SetPlayers(ids []rollback.PlayerID) {
	w.ids = append([]rollback.PlayerID(nil), ids...)
	rollback.SortPlayers(w.ids)
	w.agents = make(map[rollback.PlayerID]*agent, len(w.ids))
	for _, id := range w.ids {
		w.agents[id] = &agent{}
	}
}

func (w *World) Tick() uint32 {
	return w.tick
}

// Score returns an agent's collected coins
func (w *World) Score(id rollback.PlayerID) int32 {
	if a, ok := w.agents[id]; ok {
		return a.score
	}
	return 0
}

// next is xorshift64*, stored in the state so rollback replays draw the same numbers
func (w *World) next() uint64 {
	w.rng ^= w.rng >> 12
	w.rng ^= w.rng << 25
	w.rng ^= w.rng >> 27
	return w.rng * 2685821657736338717
}

func (w *World) placeCoin() {
	w.coin = pos{
		X: int32(w.next() % uint64(w.cfg.Width)),
		Y: int32(w.next() % uint64(w.cfg.Height)),
	}
}

func (w *World) Reset(seed int64) (rollback.StepResult, error) {
	w.tick = 0
	w.rng = uint64(seed)*0x9E3779B97F4A7C15 | 1
	for i, id := range w.ids {
		a := w.agents[id]
		a.score = 0
		a.pos = pos{X: int32(i) % w.cfg.Width, Y: 0}
	}
	w.placeCoin()
	return rollback.StepResult{Observation: w.observe()}, nil
}

func (w *World) Step(actions rollback.Actions) (rollback.StepResult, error) {
	rewards := make(map[rollback.PlayerID]float64, len(w.ids))
	for _, id := range w.ids {
		a := w.agents[id]
		switch actions[id] {
		case ActionUp:
			a.pos.Y--
		case ActionDown:
			a.pos.Y++
		case ActionLeft:
			a.pos.X--
		case ActionRight:
			a.pos.X++
		}
		a.pos.X = clamp(a.pos.X, w.cfg.Width)
		a.pos.Y = clamp(a.pos.Y, w.cfg.Height)
		if a.pos == w.coin {
			a.score++
			rewards[id] = 1
			w.placeCoin()
		}
	}
	w.tick++
	return rollback.StepResult{
		Observation: w.observe(),
		Rewards:     rewards,
		Truncated:   w.cfg.MaxTicks > 0 && w.tick >= w.cfg.MaxTicks,
		Info:        map[string]interface{}{"tick": w.tick},
	}, nil
}

func clamp(v, size int32) int32 {
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}

// observe returns agent positions in id order, then the coin
func (w *World) observe() []int32 {
	obs := make([]int32, 0, 2*len(w.ids)+2)
	for _, id := range w.ids {
		a := w.agents[id]
		obs = append(obs, a.pos.X, a.pos.Y)
	}
	return append(obs, w.coin.X, w.coin.Y)
}

// Render draws the grid with agents as digits and the coin as '$'
func (w *World) Render() (interface{}, error) {
	rows := make([][]byte, w.cfg.Height)
	for y := range rows {
		rows[y] = []byte(strings.Repeat(".", int(w.cfg.Width)))
	}
	rows[w.coin.Y][w.coin.X] = '$'
	for i, id := range w.ids {
		a := w.agents[id]
		rows[a.pos.Y][a.pos.X] = byte('0' + i%10)
	}
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = string(r)
	}
	return strings.Join(lines, "\n"), nil
}

/*

state layout, big-endian

|--tick(u32)--|--coinX(i32)--|--coinY(i32)--|--{x(i32),y(i32),score(i32)} x agents--|

*/

func (w *World) GetState() (rollback.State, error) {
	buff := make([]byte, 12+12*len(w.ids))
	binary.BigEndian.PutUint32(buff[0:4], w.tick)
	binary.BigEndian.PutUint32(buff[4:8], uint32(w.coin.X))
	binary.BigEndian.PutUint32(buff[8:12], uint32(w.coin.Y))
	off := 12
	for _, id := range w.ids {
		a := w.agents[id]
		binary.BigEndian.PutUint32(buff[off:off+4], uint32(a.pos.X))
		binary.BigEndian.PutUint32(buff[off+4:off+8], uint32(a.pos.Y))
		binary.BigEndian.PutUint32(buff[off+8:off+12], uint32(a.score))
		off += 12
	}

	rng := make([]byte, 8)
	binary.BigEndian.PutUint64(rng, w.rng)
	return rollback.State{Engine: buff, RNG: rng}, nil
}

func (w *World) SetState(s rollback.State) error {
	if len(s.Engine) != 12+12*len(w.ids) || len(s.RNG) != 8 {
		return errors.Wrapf(ErrBadState, "engine=%d rng=%d bytes", len(s.Engine), len(s.RNG))
	}
	w.tick = binary.BigEndian.Uint32(s.Engine[0:4])
	w.coin = pos{
		X: int32(binary.BigEndian.Uint32(s.Engine[4:8])),
		Y: int32(binary.BigEndian.Uint32(s.Engine[8:12])),
	}
	off := 12
	for _, id := range w.ids {
		a := w.agents[id]
		a.pos = pos{
			X: int32(binary.BigEndian.Uint32(s.Engine[off : off+4])),
			Y: int32(binary.BigEndian.Uint32(s.Engine[off+4 : off+8])),
		}
		a.score = int32(binary.BigEndian.Uint32(s.Engine[off+8 : off+12]))
		off += 12
	}
	w.rng = binary.BigEndian.Uint64(s.RNG)
	return nil
}
