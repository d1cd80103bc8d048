package policy

import (
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the currently active Policy, swapped atomically on
// reload so readers never observe a half-updated document.
type Store struct {
	current atomic.Pointer[Policy]
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads path and returns a Store serving it. Hot-reload is
// not started until Watch is called.
func NewStore(path string) (*Store, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(p)
	return s, nil
}

// Active returns the currently active policy.
func (s *Store) Active() *Policy {
	return s.current.Load()
}

// Watch starts an fsnotify watcher on the policy file's directory and
// swaps the active policy on every write event. An invalid reload
// leaves the prior policy active, per spec.md §4.D. Watch returns
// once the watcher is established; it runs its event loop in a
// background goroutine until Close is called.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := Load(s.path)
				if err != nil {
					log.Printf("policy: reload of %s failed, keeping prior policy: %v", s.path, err)
					continue
				}
				s.current.Store(p)
				log.Printf("policy: reloaded %s", s.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("policy: watch error: %v", err)
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}
