package fallback

import (
	"context"
	"sync/atomic"

	"github.com/alecthomas/log4go"
	"github.com/hedon954/go-rollback-netplay/logic/netplay"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/hedon954/go-rollback-netplay/logic/fallback"

// Path is where one input went
type Path int

const (
	PathNone Path = iota
	PathP2P
	PathRelay
	PathBoth
)

func (p Path) String() string {
	switch p {
	case PathNone:
		return "none"
	case PathP2P:
		return "p2p"
	case PathRelay:
		return "relay"
	case PathBoth:
		return "both"
	}
	return "unknown"
}

// InputRelay sends a single input over the reliable path
type InputRelay interface {
	SendInput(frame uint32, action uint8, episode uint32) error
}

// Router picks the path for each local input. The datagram path is tried first and
// the relay covers any tick it could not. After the terminal fallback every input
// goes to the relay; while health is critical inputs go both ways.
type Router struct {
	relay    InputRelay
	fellBack atomic.Bool
	critical atomic.Bool
	episode  atomic.Uint32

	relayed   atomic.Int64
	relayErrs atomic.Int64

	activations metric.Int64Counter
	relayInputs metric.Int64Counter
	attrs       metric.MeasurementOption
}

func NewRouter(relay InputRelay, playerID string) *Router {
	r := &Router{
		relay: relay,
		attrs: metric.WithAttributes(attribute.String("player", playerID)),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if r.activations, err = meter.Int64Counter("netplay.fallback.activations",
		metric.WithDescription("Terminal switches to the relay path")); err != nil {
		log4go.Warn("[fallback] create activations counter: %v", err)
	}
	if r.relayInputs, err = meter.Int64Counter("netplay.fallback.inputs",
		metric.WithDescription("Inputs sent over the relay")); err != nil {
		log4go.Warn("[fallback] create inputs counter: %v", err)
	}
	return r
}

// UseP2P reports whether the datagram path should still be tried
func (r *Router) UseP2P() bool {
	return !r.fellBack.Load()
}

// Fallback switches to the relay for good. Safe to call from any goroutine.
func (r *Router) Fallback(reason string) {
	if !r.fellBack.CompareAndSwap(false, true) {
		return
	}
	log4go.Warn("[fallback] inputs now go through the relay: %s", reason)
	if r.activations != nil {
		r.activations.Add(context.Background(), 1, r.attrs)
	}
}

func (r *Router) FellBack() bool {
	return r.fellBack.Load()
}

// SetHealth records the latest health grade of the datagram path
func (r *Router) SetHealth(status netplay.Status) {
	was := r.critical.Swap(status == netplay.StatusCritical)
	if !was && status == netplay.StatusCritical {
		log4go.Warn("[fallback] datagram path critical, duplicating inputs on the relay")
	}
}

// SetEpisode tags the inputs routed from now on
func (r *Router) SetEpisode(episode uint32) {
	r.episode.Store(episode)
}

// Route sends the input over the relay when needed, given whether the datagram
// packet for this tick went out, and returns the path the input took.
func (r *Router) Route(frame uint32, action uint8, p2pSent bool) Path {
	relay := r.fellBack.Load() || r.critical.Load() || !p2pSent
	if !relay {
		return PathP2P
	}

	if err := r.relay.SendInput(frame, action, r.episode.Load()); err != nil {
		r.relayErrs.Add(1)
		log4go.Warn("[fallback] relay input frame %d: %v", frame, err)
		if p2pSent {
			return PathP2P
		}
		return PathNone
	}
	r.relayed.Add(1)
	if r.relayInputs != nil {
		r.relayInputs.Add(context.Background(), 1, r.attrs)
	}
	if p2pSent {
		return PathBoth
	}
	return PathRelay
}

// Relayed is the number of inputs that went over the relay
func (r *Router) Relayed() int64 {
	return r.relayed.Load()
}
