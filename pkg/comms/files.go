package comms

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// saveFile persists a received file payload under the download directory,
// named by the original filename. Path components from the sender are
// stripped; a remote peer does not get to pick directories.
func (m *Manager) saveFile(c protocol.FileContent) (string, error) {
	if err := os.MkdirAll(m.cfg.DownloadDir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(filepath.Clean(c.Filename))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		name = "unnamed"
	}

	path, f, err := m.createUnique(name)
	if err != nil {
		return "", err
	}

	_, werr := f.Write(c.Data)
	cerr := f.Close()
	if werr != nil {
		os.Remove(path)
		return "", werr
	}
	if cerr != nil {
		return "", cerr
	}
	return path, nil
}

// createUnique opens a fresh file, resolving name collisions by inserting a
// numeric suffix before the extension: "report.pdf" -> "report (1).pdf".
func (m *Manager) createUnique(name string) (string, *os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(m.cfg.DownloadDir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return path, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("no free filename for %q", name)
}
