package rollback

type frameInputs struct {
	idx     Frame
	actions map[PlayerID]Action
}

func newFrameInputs(index Frame) *frameInputs {
	return &frameInputs{
		idx:     index,
		actions: make(map[PlayerID]Action, 2),
	}
}

// InputBuffer holds confirmed inputs by frame. An entry is written once and never overwritten.
type InputBuffer struct {
	frames map[Frame]*frameInputs
}

func NewInputBuffer() *InputBuffer {
	return &InputBuffer{
		frames: make(map[Frame]*frameInputs),
	}
}

func (b *InputBuffer) Reset() {
	b.frames = make(map[Frame]*frameInputs)
}

// Set records action for (frame, player). It returns false, leaving the buffer
// untouched, when that pair is already present.
func (b *InputBuffer) Set(frame Frame, player PlayerID, action Action) bool {
	f, ok := b.frames[frame]
	if !ok {
		f = newFrameInputs(frame)
		b.frames[frame] = f
	}

	if _, dup := f.actions[player]; dup {
		return false
	}
	f.actions[player] = action
	return true
}

func (b *InputBuffer) Get(frame Frame, player PlayerID) (Action, bool) {
	f, ok := b.frames[frame]
	if !ok {
		return 0, false
	}
	a, ok := f.actions[player]
	return a, ok
}

// Frame returns a copy of the confirmed inputs at frame
func (b *InputBuffer) Frame(frame Frame) Actions {
	f, ok := b.frames[frame]
	if !ok {
		return nil
	}
	return Actions(f.actions).clone()
}

// Has reports whether every player has a confirmed input at frame
func (b *InputBuffer) Has(frame Frame, players []PlayerID) bool {
	f, ok := b.frames[frame]
	if !ok {
		return len(players) == 0
	}
	for _, p := range players {
		if _, ok := f.actions[p]; !ok {
			return false
		}
	}
	return true
}

// PruneBefore drops every frame older than frame and returns how many were dropped
func (b *InputBuffer) PruneBefore(frame Frame) int {
	n := 0
	for idx := range b.frames {
		if idx < frame {
			delete(b.frames, idx)
			n++
		}
	}
	return n
}

// Len is the number of frames with at least one confirmed input
func (b *InputBuffer) Len() int {
	return len(b.frames)
}
