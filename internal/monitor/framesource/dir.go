package framesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
)

// DirSource simulates a camera by cycling through the JPEG files in {dir}/{vehicleID}.
// Files are re-listed on every call, so frames can be added while running.
type DirSource struct {
	dir string

	mu     sync.Mutex
	cursor map[string]int
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir, cursor: make(map[string]int)}
}

func (s *DirSource) NextFrame(ctx context.Context, vehicleID string) (*model.Frame, error) {
	if strings.ContainsAny(vehicleID, `/\`) || vehicleID == ".." {
		return nil, fmt.Errorf("invalid vehicle id %q", vehicleID)
	}

	dir := filepath.Join(s.dir, vehicleID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNoFrame
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, core.ErrNoFrame
	}
	slices.Sort(files)

	s.mu.Lock()
	i := s.cursor[vehicleID] % len(files)
	s.cursor[vehicleID] = i + 1
	s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(dir, files[i]))
	if err != nil {
		return nil, err
	}
	return &model.Frame{VehicleID: vehicleID, Data: data, ContentType: "image/jpeg", CapturedAt: time.Now()}, nil
}

func (s *DirSource) Close() error { return nil }
