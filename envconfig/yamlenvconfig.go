package envconfig

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const (
	lockTimeout    = 5 * time.Second
	lockRetryDelay = 10 * time.Millisecond
)

// how an entry looks on disk, keyed by its id
type fileEntry struct {
	Value   string `yaml:"value"`
	Comment string `yaml:"comment,omitempty"`
	Env     string `yaml:"env"`
}

type entryMap map[string]*fileEntry

// YamlEnvConfig implements EnvConfig with an underlying yaml file
type YamlEnvConfig struct {
	path string

	// the file lock keeps other processes out, it does nothing between goroutines of one
	// process holding the same lock so the mutex covers those
	mu       sync.Mutex
	fileLock *flock.Flock
}

var _ EnvConfig = (*YamlEnvConfig)(nil)

// NewYamlEnvConfig uses the file at path, creating its directory if needed. The file itself
// is created by the first Set.
func NewYamlEnvConfig(path string) (*YamlEnvConfig, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &FileError{Path: path, InnerErr: err}
	}

	return &YamlEnvConfig{
		path:     path,
		fileLock: flock.New(path + ".lock"),
	}, nil
}

func (y *YamlEnvConfig) Set(entry Entry) (string, error) {
	if entry.Id == "" {
		return "", &ValidationError{InnerErr: fmt.Errorf("entry has no id")}
	}

	unlock, err := y.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	em, err := y.load(true)
	if err != nil {
		return "", err
	}

	stored := &fileEntry{Value: entry.Value, Comment: entry.Comment, Env: entry.EnvVar}
	reconcile(stored)
	em[entry.Id] = stored

	if err := y.save(em); err != nil {
		return "", err
	}
	return stored.Value, nil
}

func (y *YamlEnvConfig) Get(id string) (Entry, error) {
	unlock, err := y.lock()
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	em, err := y.load(false)
	if err != nil {
		return Entry{}, err
	}

	stored, ok := em[id]
	if !ok {
		return Entry{}, &KeyError{Key: id}
	}

	if reconcile(stored) {
		if err := y.save(em); err != nil {
			return Entry{}, err
		}
	}

	return Entry{Id: id, Value: stored.Value, Comment: stored.Comment, EnvVar: stored.Env}, nil
}

func (y *YamlEnvConfig) Delete(id string, hard bool) error {
	unlock, err := y.lock()
	if err != nil {
		return err
	}
	defer unlock()

	em, err := y.load(false)
	if err != nil {
		return err
	}

	stored, ok := em[id]
	if !ok {
		return &KeyError{Key: id}
	}
	delete(em, id)

	if hard && stored.Env != "" {
		os.Unsetenv(stored.Env)
	}

	return y.save(em)
}

func (y *YamlEnvConfig) DeleteAll(hard bool) error {
	unlock, err := y.lock()
	if err != nil {
		return err
	}
	defer unlock()

	em, err := y.load(true)
	if err != nil {
		return err
	}

	if hard {
		for _, stored := range em {
			if stored.Env != "" {
				os.Unsetenv(stored.Env)
			}
		}
	}

	// truncate rather than writing an empty map
	if err := os.WriteFile(y.path, nil, 0o600); err != nil {
		return &FileError{Path: y.path, InnerErr: err}
	}
	return nil
}

// reconcile applies the environment's precedence and reports whether the stored value changed
func reconcile(stored *fileEntry) bool {
	if stored.Env == "" {
		return false
	}

	if value, set := os.LookupEnv(stored.Env); set {
		if value == stored.Value {
			return false
		}
		stored.Value = value
		return true
	}

	os.Setenv(stored.Env, stored.Value)
	return false
}

func (y *YamlEnvConfig) lock() (func(), error) {
	y.mu.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	if locked, err := y.fileLock.TryLockContext(ctx, lockRetryDelay); err != nil || !locked {
		y.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("timed out after %s", lockTimeout)
		}
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", y.path, err)
	}

	return func() {
		y.fileLock.Unlock()
		y.mu.Unlock()
	}, nil
}

func (y *YamlEnvConfig) save(em entryMap) error {
	// marshal entrymap into bytes
	emBytes, err := yaml.Marshal(em)
	if err != nil {
		return &ValidationError{InnerErr: err}
	}

	// write bytes to file in a complete overwrite
	if err := os.WriteFile(y.path, emBytes, 0o600); err != nil {
		return &FileError{Path: y.path, InnerErr: err}
	}
	return nil
}

// load reads the whole file. A missing file is empty when create is set and an error otherwise.
func (y *YamlEnvConfig) load(create bool) (entryMap, error) {
	data, err := os.ReadFile(y.path)
	if errors.Is(err, fs.ErrNotExist) && create {
		return entryMap{}, nil
	} else if err != nil {
		return nil, &FileError{Path: y.path, InnerErr: err}
	}

	em := entryMap{}
	if err := yaml.Unmarshal(data, &em); err != nil {
		return nil, &ValidationError{InnerErr: err}
	}

	// an empty file unmarshals into a nil map
	if em == nil {
		em = entryMap{}
	}
	for id, stored := range em {
		if stored == nil {
			return nil, &ValidationError{InnerErr: fmt.Errorf("entry %s has no value", id)}
		}
	}

	return em, nil
}
