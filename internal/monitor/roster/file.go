package roster

import (
	"context"
	"fmt"
	"slices"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/pkg/log"
)

// document is the layout of a roster file:
//
//	vehicles:
//	  - id: bus-1
//	    license-plate: KA-01-F-1234
//	    capacity: 40
//	    route: "12A"
//	  - id: bus-2
//	    enabled: false
type document struct {
	Vehicles []Entry `mapstructure:"vehicles"`
}

// File feeds a roster file into a Reconciler and, when watching, follows edits.
// Vehicles that disappear from the file are removed.
type File struct {
	path  string
	watch bool
	rec   *Reconciler
	v     *viper.Viper

	known []string
}

func NewFile(path string, watch bool, rec *Reconciler) *File {
	v := viper.New()
	v.SetConfigFile(path)
	return &File{path: path, watch: watch, rec: rec, v: v}
}

// Load reads and validates the roster file.
func (f *File) Load() ([]Entry, error) {
	if err := f.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read roster %s: %w", f.path, err)
	}
	return f.decode()
}

func (f *File) decode() ([]Entry, error) {
	var doc document
	if err := f.v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode roster %s: %w", f.path, err)
	}

	seen := make(map[string]bool, len(doc.Vehicles))
	for i, e := range doc.Vehicles {
		if e.ID == "" {
			return nil, fmt.Errorf("roster %s: entry %d has no id", f.path, i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("roster %s: duplicate vehicle %s", f.path, e.ID)
		}
		if e.Capacity < 0 {
			return nil, fmt.Errorf("roster %s: vehicle %s has a negative capacity", f.path, e.ID)
		}
		seen[e.ID] = true
	}
	return doc.Vehicles, nil
}

// Run submits the initial roster, then follows changes until ctx ends.
func (f *File) Run(ctx context.Context) error {
	entries, err := f.Load()
	if err != nil {
		return err
	}
	if err := f.sync(ctx, entries); err != nil {
		return err
	}
	log.Info("Roster loaded", "file", f.path, "vehicles", len(entries))

	if f.watch {
		f.v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			if len(f.v.AllKeys()) == 0 {
				// Caught mid-write; a deliberately empty roster still has a vehicles key.
				log.Debug("Skipping empty roster snapshot", "file", f.path)
				return
			}
			entries, err := f.decode()
			if err != nil {
				log.Error(err, "Ignoring invalid roster update", "file", f.path)
				return
			}
			if err := f.sync(ctx, entries); err != nil {
				log.Error(err, "Failed to apply roster update", "file", f.path)
				return
			}
			log.Info("Roster reloaded", "file", f.path, "vehicles", len(entries))
		})
		f.v.WatchConfig()
	}

	<-ctx.Done()
	return nil
}

// sync turns entries into events, removing vehicles that were dropped since the last call.
func (f *File) sync(ctx context.Context, entries []Entry) error {
	events := Diff(f.known, entries)
	for _, ev := range events {
		if err := f.rec.Submit(ctx, ev); err != nil {
			return err
		}
	}

	f.known = f.known[:0]
	for _, e := range entries {
		f.known = append(f.known, e.ID)
	}
	return nil
}

// Diff returns the events that bring the scheduler from the previous set of
// vehicle ids to entries.
func Diff(previous []string, entries []Entry) []Event {
	events := make([]Event, 0, len(entries))
	current := make([]string, 0, len(entries))

	for _, e := range entries {
		action := ActionActivate
		if !e.Active() {
			action = ActionDeactivate
		}
		events = append(events, Event{Action: action, Vehicle: e.Vehicle})
		current = append(current, e.ID)
	}

	for _, id := range previous {
		if !slices.Contains(current, id) {
			events = append(events, Event{Action: ActionRemove, Vehicle: model.Vehicle{ID: id}})
		}
	}
	return events
}
