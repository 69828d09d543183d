package settings

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// SaveDebounce is how long FileStore waits after the last Save call
// before actually writing to disk, coalescing bursts of rapid setting
// changes (e.g. a volume slider) into a single write.
const SaveDebounce = 250 * time.Millisecond

// FileStore persists Settings as YAML on the local filesystem. Writes
// are debounced; Load is synchronous and returns the pending value
// while a Save is waiting to be written, and reads the file otherwise.
type FileStore struct {
	path string

	mu      sync.Mutex
	pending Settings
	dirty   bool
	timer   *time.Timer
}

// NewFileStore returns a FileStore writing to path. The parent
// directory is created, if missing, when a pending Save is written.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the most recently saved Settings, whether or not that
// save has been flushed to disk yet, falling back to Default() if
// nothing has ever been saved or the file is malformed. Reading the
// in-memory pending value when dirty (rather than unconditionally
// re-reading the file) keeps a burst of Save calls within one
// debounce window internally consistent: a Load between two Saves
// must see the first Save's effect, not stale disk content.
func (fs *FileStore) Load() (Settings, error) {
	fs.mu.Lock()
	if fs.dirty {
		pending := fs.pending
		fs.mu.Unlock()
		return pending, nil
	}
	fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Default(), err
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FileStore.Load",
			"path":     fs.path,
			"error":    err,
		}).Warn("malformed settings file, falling back to defaults")
		return Default(), nil
	}

	if err := validate(&s); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FileStore.Load",
			"path":     fs.path,
			"error":    err,
		}).Warn("invalid settings, falling back to defaults")
		return Default(), nil
	}

	return s, nil
}

// Save schedules s to be written SaveDebounce after the last call. A
// burst of Save calls only produces one write, of the last value.
func (fs *FileStore) Save(s Settings) error {
	if err := validate(&s); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.pending = s
	fs.dirty = true

	if fs.timer != nil {
		fs.timer.Stop()
	}
	fs.timer = time.AfterFunc(SaveDebounce, fs.flushTimer)
	return nil
}

func (fs *FileStore) flushTimer() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writeLocked()
}

// Flush writes any pending Save immediately, blocking until done.
func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.timer != nil {
		fs.timer.Stop()
	}
	return fs.writeLocked()
}

// writeLocked must be called with fs.mu held.
func (fs *FileStore) writeLocked() error {
	if !fs.dirty {
		return nil
	}

	data, err := yaml.Marshal(fs.pending)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(fs.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return err
	}

	fs.dirty = false
	logrus.WithFields(logrus.Fields{
		"function": "FileStore.writeLocked",
		"path":     fs.path,
	}).Debug("settings persisted")
	return nil
}

// validate repairs Settings values the rest of the module could not
// safely act on (a volume above 100, a zero reference delay or ringing
// timeout) and fills in a missing version, mirroring the
// load-and-repair idiom of a versioned config record. It always
// returns nil.
func validate(s *Settings) error {
	if s.Version == 0 {
		s.Version = CurrentVersion
	}
	if s.VolumePct > 100 {
		s.VolumePct = 100
	}
	if s.RefDelayMS == 0 {
		s.RefDelayMS = Default().RefDelayMS
	}
	if s.RingingTimeoutMS == 0 {
		s.RingingTimeoutMS = Default().RingingTimeoutMS
	}
	return nil
}
