// Package filemirror appends JSON Lines projections of audit events to one
// file per application.
package filemirror

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// FileExt is appended to the application name to form the file name.
const FileExt = ".txt"

// IOError describes a failed append. It matches models.ErrIOFailure.
type IOError struct {
	Application string
	Path        string
	Op          string
	Err         error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("file mirror %s %s (application %q): %v", e.Op, e.Path, e.Application, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{e.Err, models.ErrIOFailure}
}

// Mirror appends lines to <root>/<application>.txt. Appends for the same
// application are serialized; different applications proceed in parallel.
// A nil *Mirror is a disabled mirror that accepts and drops every line.
type Mirror struct {
	root  string
	locks sync.Map // application -> *sync.Mutex

	written atomic.Uint64
	failed  atomic.Uint64
}

// New returns a Mirror rooted at root. The directory is created lazily on the
// first append so a missing mount does not prevent startup.
func New(root string) *Mirror {
	if root == "" {
		root = "."
	}
	return &Mirror{root: root}
}

// Root returns the directory files are written to.
func (m *Mirror) Root() string { return m.root }

// PathFor returns the file an application's lines are appended to.
func (m *Mirror) PathFor(application string) string {
	return filepath.Join(m.root, sanitize(application)+FileExt)
}

func (m *Mirror) lockFor(application string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(application, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append writes line followed by a newline as a single write. The line must
// not contain newlines itself; a trailing one is tolerated.
func (m *Mirror) Append(application string, line []byte) error {
	if m == nil {
		return nil
	}

	name := sanitize(application)
	path := filepath.Join(m.root, name+FileExt)

	line = bytes.TrimRight(line, "\r\n")
	if bytes.ContainsAny(line, "\r\n") {
		m.failed.Add(1)
		return &IOError{Application: application, Path: path, Op: "validate", Err: errors.New("line contains a newline")}
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	if err := m.write(path, buf); err != nil {
		m.failed.Add(1)
		return &IOError{Application: application, Path: path, Op: "append", Err: err}
	}
	m.written.Add(1)
	return nil
}

func (m *Mirror) write(path string, buf []byte) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	n, werr := f.Write(buf)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	return cerr
}

// Stats reports append counters.
type Stats struct {
	Enabled bool   `json:"enabled"`
	Root    string `json:"root,omitempty"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Enabled: true,
		Root:    m.root,
		Written: m.written.Load(),
		Failed:  m.failed.Load(),
	}
}

// sanitize keeps the file inside the root directory.
func sanitize(application string) string {
	name := strings.TrimSpace(application)
	name = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "unknown"
	}
	return strings.ReplaceAll(name, "..", "_")
}
