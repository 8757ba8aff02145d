package bus

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the bus directories and invokes a refresh callback when
// inbox or request files change, so registry pending counts stay fresh
// without polling.
type Watcher struct {
	bus     *Bus
	logger  *log.Logger
	watcher *fsnotify.Watcher
	refresh func(agent string)
	done    chan struct{}
}

// Watch starts observing the bus. refresh receives the agent name whose
// inbox changed, or "" when the requests directory changed.
func (b *Bus) Watch(logger *log.Logger, refresh func(agent string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		bus:     b,
		logger:  logger,
		watcher: fsw,
		refresh: refresh,
		done:    make(chan struct{}),
	}

	for _, dir := range []string{b.messagesDir(), b.requestsDir()} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	// Existing inboxes are subdirectories of messages/ and need their own
	// watch; new ones are added as their create events arrive.
	entries, err := os.ReadDir(b.messagesDir())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fsw.Add(filepath.Join(b.messagesDir(), entry.Name()))
			}
		}
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Debounce bursts of file events per agent.
	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	flush := func() {
		for agent := range pending {
			delete(pending, agent)
			w.refresh(agent)
		}
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event, pending)
			timer.Reset(200 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("bus watcher: %v", err)
			}
		case <-timer.C:
			flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event, pending map[string]bool) {
	dir := filepath.Dir(event.Name)
	switch dir {
	case w.bus.messagesDir():
		// A new inbox directory appeared; start watching it.
		if event.Op.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				_ = w.watcher.Add(event.Name)
				pending[filepath.Base(event.Name)] = true
			}
		}
	case w.bus.requestsDir():
		pending[""] = true
	default:
		if filepath.Dir(dir) == w.bus.messagesDir() {
			pending[filepath.Base(dir)] = true
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
