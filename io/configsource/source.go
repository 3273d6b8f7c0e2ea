// Package configsource holds the runtime-mutable user settings served by CONFIG_* requests.
//
// Settings are a flat key/value document stored as YAML or TOML (chosen by extension).
// Every change, whether made through Set or by editing the file, is published to
// subscribers as a dto.ConfigChange.
package configsource

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/pubsub"
	"gopkg.in/yaml.v3"
)

const changeTopic = "change"

// Source is a file-backed settings document. A Source opened with an empty path lives
// in memory only.
type Source struct {
	path    string
	changes *pubsub.Registry[dto.ConfigChange]

	mu     sync.RWMutex
	values map[string]any

	writeMu sync.Mutex
}

// Open loads the document at path, creating it on first Set if it does not exist.
func Open(path string) (*Source, error) {
	s := &Source{
		path:    path,
		changes: pubsub.NewRegistry[dto.ConfigChange](),
		values:  map[string]any{},
	}
	if path == "" {
		return s, nil
	}

	values, err := s.read()
	if err != nil {
		return nil, err
	}
	s.values = values
	return s, nil
}

// Get returns the value stored under key.
func (s *Source) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetAll returns a copy of the whole document.
func (s *Source) GetAll() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set stores one value.
func (s *Source) Set(key string, value any) error {
	return s.SetMultiple(map[string]any{key: value})
}

// SetMultiple stores all values, writes the document once and publishes one change per
// key whose value actually changed.
func (s *Source) SetMultiple(values map[string]any) error {
	normalized := make(map[string]any, len(values))
	for k, v := range values {
		if strings.TrimSpace(k) == "" {
			return errors.New("empty settings key")
		}
		nv, err := normalize(v)
		if err != nil {
			return errors.Wrapf(err, "setting %s", k)
		}
		normalized[k] = nv
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	next := make(map[string]any, len(s.values)+len(normalized))
	for k, v := range s.values {
		next[k] = v
	}
	for k, v := range normalized {
		next[k] = v
	}
	changes := diff(s.values, next)
	s.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	if err := s.write(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.values = next
	s.mu.Unlock()

	s.publish(changes)
	return nil
}

// Subscribe registers fn for every change and returns the unsubscribe function.
func (s *Source) Subscribe(fn func(dto.ConfigChange)) func() {
	return s.changes.Subscribe(changeTopic, fn)
}

// Watch reloads the document whenever the file changes on disk until ctx is done.
// It returns once the watcher is installed.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create settings watcher")
	}
	// editors and our own writes replace the file, so watch the directory
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(s.path))
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || (!ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create)) {
					continue
				}
				s.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("settings watcher: %v", err)
			}
		}
	}()
	return nil
}

func (s *Source) reload() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	values, err := s.read()
	if err != nil {
		log.Warnf("reload settings from %s: %v", s.path, err)
		return
	}

	s.mu.Lock()
	changes := diff(s.values, values)
	s.values = values
	s.mu.Unlock()

	if len(changes) > 0 {
		log.Infof("settings file changed: %d keys updated", len(changes))
		s.publish(changes)
	}
}

func (s *Source) publish(changes []dto.ConfigChange) {
	for _, c := range changes {
		s.changes.Publish(changeTopic, c)
	}
}

func (s *Source) isTOML() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".toml")
}

func (s *Source) read() (map[string]any, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.path)
	}

	values := map[string]any{}
	if s.isTOML() {
		err = toml.Unmarshal(raw, &values)
	} else {
		err = yaml.Unmarshal(raw, &values)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.path)
	}

	for k, v := range values {
		if values[k], err = normalize(v); err != nil {
			return nil, errors.Wrapf(err, "setting %s", k)
		}
	}
	return values, nil
}

func (s *Source) write(values map[string]any) error {
	if s.path == "" {
		return nil
	}

	var (
		raw []byte
		err error
	)
	if s.isTOML() {
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(values)
		raw = buf.Bytes()
	} else {
		raw, err = yaml.Marshal(values)
	}
	if err != nil {
		return errors.Wrapf(err, "encode %s", s.path)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(s.path))
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, s.path), "replace %s", s.path)
}

// normalize maps a value to its JSON shape so values read from YAML, TOML and JSON
// payloads compare equal.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// diff returns one change per key that differs between prev and next, in key order.
func diff(prev, next map[string]any) []dto.ConfigChange {
	keys := make([]string, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []dto.ConfigChange
	for _, k := range keys {
		old, hadOld := prev[k]
		cur, hasCur := next[k]
		if hadOld == hasCur && reflect.DeepEqual(old, cur) {
			continue
		}
		changes = append(changes, dto.ConfigChange{Key: k, Value: cur, OldValue: old})
	}
	return changes
}
