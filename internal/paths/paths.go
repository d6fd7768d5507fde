package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/cruciblehq/pyslim/internal"
)

const (

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Directory for runtime files (socket, PID file).
//
//	Linux:   $XDG_RUNTIME_DIR/pyslim or ~/.cache/pyslim/run
//	macOS:   ~/Library/Caches/pyslim/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, internal.Name)
	}
	return filepath.Join(xdg.CacheHome, internal.Name, "run")
}

// Unix domain socket the daemon listens on.
func Socket() string {
	return filepath.Join(Runtime(), internal.Name+".sock")
}

// PID file written by the daemon.
func PIDFile() string {
	return filepath.Join(Runtime(), internal.Name+".pid")
}

// Default root for exported images when neither the project definition nor
// the command line name an output directory. Each resource gets its own
// subdirectory.
//
//	Linux:   ~/.local/share/pyslim/images/<resource>
//	macOS:   ~/Library/Application Support/pyslim/images/<resource>
func Images(resource string) string {
	return filepath.Join(xdg.DataHome, internal.Name, "images", resource)
}
