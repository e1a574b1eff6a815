package state

import (
	"context"
	"log/slog"
)

// Module is a unit of the engine with a managed lifecycle. Init is called
// once before the main loop starts, Cleanup once after it stops.
type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the main loop goroutine.
type State struct {
	*Env
	Modules  map[string]Module
	Topology *Topology
}

// Env can be read from any goroutine.
type Env struct {
	DispatchChannel chan<- func(s *State) error
	MeshCfg
	LocalCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
}
