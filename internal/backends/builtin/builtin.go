// Package builtin exports the backends that ship with simenv as a statically
// linked plugin.
package builtin

import (
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/backends/wsviewer"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/internal/problems/recorder"
	"github.com/signalsfoundry/simenv/pluginapi"
)

// Name is the key the export is registered under.
const Name = "builtin"

type factory struct {
	log logging.Logger
}

// Export returns the plugin export of the built-in backends.
func Export(log logging.Logger) *pluginapi.Export {
	return pluginapi.NewExport(&factory{log: logging.OrNoop(log)})
}

func (f *factory) Attributes() core.PluginInfo {
	return core.PluginInfo{
		Name: Name,
		Interfaces: map[core.Kind][]string{
			core.KindViewer:  {wsviewer.XMLID},
			core.KindProblem: {recorder.XMLID},
		},
	}
}

func (f *factory) Destroy() {}

// CreateInterface builds the websocket viewer, which takes "addr=" and
// "interval=" arguments, and the recorder problem.
func (f *factory) CreateInterface(kind core.Kind, name string, args []string, env core.Environment) (core.Interface, error) {
	switch {
	case kind == core.KindViewer && name == wsviewer.XMLID:
		opts := []wsviewer.Option{wsviewer.WithLogger(f.log)}
		for _, arg := range args {
			key, val, _ := strings.Cut(arg, "=")
			switch key {
			case "addr":
				opts = append(opts, wsviewer.WithAddr(val))
			case "interval":
				d, err := time.ParseDuration(val)
				if err != nil {
					return nil, fmt.Errorf("%w: interval %q", core.ErrInvalidArguments, val)
				}
				opts = append(opts, wsviewer.WithInterval(d))
			default:
				return nil, fmt.Errorf("%w: unknown viewer argument %q", core.ErrInvalidArguments, arg)
			}
		}
		return wsviewer.New(env, opts...), nil
	case kind == core.KindProblem && name == recorder.XMLID:
		return recorder.New(env.ID(), f.log), nil
	}
	return nil, nil
}
