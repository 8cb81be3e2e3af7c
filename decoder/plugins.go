package decoder

import (
	"os"
	"path/filepath"
	"plugin"
	"strings"
)

// pluginEntrySymbol is the export every decoder plugin must provide:
//
//	var Register func(*decoder.Registry) error
//
// matching the explicit registration call shipped decoders use.
const pluginEntrySymbol = "Register"

// LoadDir scans a directory for decoder plugins (.so files built with
// -buildmode=plugin) and registers every module exposing the recognized
// export shape. A plugin that fails to open, lacks the export, or errors
// during registration is logged and skipped; one bad plugin must not
// prevent the others from loading. Returns the number of decoders
// registered successfully.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		p, err := plugin.Open(path)
		if err != nil {
			r.logger.Warn("skipping unloadable decoder plugin", "path", path, "error", err)
			continue
		}

		sym, err := p.Lookup(pluginEntrySymbol)
		if err != nil {
			r.logger.Warn("decoder plugin missing Register export", "path", path, "error", err)
			continue
		}

		register, ok := sym.(func(*Registry) error)
		if !ok {
			if fn, isPtr := sym.(*func(*Registry) error); isPtr && *fn != nil {
				register = *fn
			} else {
				r.logger.Warn("decoder plugin Register has wrong signature", "path", path)
				continue
			}
		}

		if err := register(r); err != nil {
			r.logger.Warn("decoder plugin registration failed", "path", path, "error", err)
			continue
		}

		r.logger.Info("loaded decoder plugin", "path", path)
		loaded++
	}

	return loaded, nil
}
