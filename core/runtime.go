package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"syscall"
	"time"

	"github.com/cedarmesh/cedar/state"
	"github.com/cedarmesh/cedar/transport"
	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

func readMeshConfig(meshPath string) (*state.MeshCfg, error) {
	var meshCfg state.MeshCfg
	file, err := os.ReadFile(meshPath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &meshCfg)
	if err != nil {
		return nil, err
	}
	return &meshCfg, nil
}

func readNodeConfig(nodePath string) (*state.LocalCfg, error) {
	var nodeCfg state.LocalCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, err
	}
	return &nodeCfg, nil
}

// Bootstrap manages the lifetime of the whole node. The engine may be
// restarted after retry exhaustion forces a fresh mesh join; Bootstrap is
// only called once.
func Bootstrap(meshPath, nodePath, logPath string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	for {
		meshCfg, err := readMeshConfig(meshPath)
		if err != nil {
			return err
		}
		nodeCfg, err := readNodeConfig(nodePath)
		if err != nil {
			return err
		}
		if logPath != "" {
			nodeCfg.LogPath = logPath
		}

		state.ExpandLocalConfig(nodeCfg)
		if err := state.LocalConfigValidator(nodeCfg); err != nil {
			return err
		}
		if err := state.MeshConfigValidator(meshCfg); err != nil {
			return err
		}
		restart, err := Start(*meshCfg, *nodeCfg, level, nil, nil)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// Start runs one engine lifetime. A non-nil factory overrides the transport,
// which the tests use to run nodes over in-memory links. When initState is
// non-nil it receives the state before the main loop starts.
func Start(mcfg state.MeshCfg, lcfg state.LocalCfg, logLevel slog.Level, factory TransportFactory, initState **state.State) (bool, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	dispatch := make(chan func(s *state.State) error, 128)

	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: lcfg.Id.String(),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if lcfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(lcfg.LogPath), 0700)
		if err != nil {
			return false, err
		}
		f, err := os.OpenFile(lcfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return false, err
		}
		defer f.Close()
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))

	s := state.State{
		Modules:  make(map[string]state.Module),
		Topology: state.NewTopology(lcfg.Id),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			MeshCfg:         mcfg,
			LocalCfg:        lcfg,
			Log:             logger,
		},
	}
	if initState != nil {
		*initState = &s
	}

	s.Log.Info("init modules")
	if err := initModules(&s, factory); err != nil {
		return false, err
	}
	s.Log.Info("init modules complete")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State, factory TransportFactory) error {
	modules := []state.Module{
		&Router{},
		&ConnMgr{NewTransport: factory},
		&Bridge{},
		&Queue{},
	}

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// MainLoop drains the dispatch channel until the context is cancelled. A
// dispatched error is logged and the loop continues: no error kind is allowed
// to terminate the node.
func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) (bool, error) {
	s.Log.Debug("started main loop")
	for {
		select {
		case fun := <-dispatch:
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
			}
			elapsed := time.Since(start)
			if elapsed > time.Millisecond*50 {
				s.Log.Warn("dispatch took a long time!", "elapsed", elapsed)
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	cause := context.Cause(s.Context)
	s.Log.Info("stopped main loop", "reason", cause.Error())
	cleanup(s)
	return errors.Is(cause, ErrRejoinRequested), nil
}

// ErrRejoinRequested signals that the engine should be restarted for a fresh
// mesh join after retry exhaustion.
var ErrRejoinRequested = errors.New("fresh mesh join requested")

func cleanup(s *state.State) {
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during cleanup", "module", moduleName, "error", err)
		}
	}
	s.Cancel(context.Canceled)
}

// Get resolves a module by its type.
func Get[T state.Module](s *state.State) T {
	t := reflect.TypeOf((*T)(nil)).Elem()
	return s.Modules[t.String()].(T)
}

// TransportFactory builds the transport a node runs on. The default factory
// builds a TCP transport; tests substitute in-memory links.
type TransportFactory func(ctx context.Context, cb transport.Callbacks) transport.Transport
