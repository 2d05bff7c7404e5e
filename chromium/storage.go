package chromium

import (
	"fmt"
	"os"
)

// DataStore manages the browser's user data directory. When the directory
// was created by us it is removed on cleanup; a caller-provided directory
// is left alone.
type DataStore struct {
	Dir    string
	remove bool
}

// Make uses the given dir when non-empty, otherwise creates a temporary
// directory under tmpDir that Cleanup will remove.
func (d *DataStore) Make(tmpDir string, dir any) error {
	if ud, ok := dir.(string); ok && ud != "" {
		d.Dir = ud
		return nil
	}
	tmp, err := os.MkdirTemp(tmpDir, "tabcast-chromium-data-*")
	if err != nil {
		return fmt.Errorf("cannot make temporary user data directory: %w", err)
	}
	d.Dir = tmp
	d.remove = true
	return nil
}

// Cleanup removes the temporary directory, if one was created.
func (d *DataStore) Cleanup() {
	if d.remove {
		_ = os.RemoveAll(d.Dir)
	}
}
