package framesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/pkg/options"
)

func TestDirSourceCycles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bus-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.JPEG"), []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644))

	src := NewDirSource(root)
	var got []string
	for range 3 {
		frame, err := src.NextFrame(context.Background(), "bus-1")
		require.NoError(t, err)
		assert.Equal(t, "bus-1", frame.VehicleID)
		got = append(got, string(frame.Data))
	}
	assert.Equal(t, []string{"first", "second", "first"}, got)
}

func TestDirSourceNoFrame(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	src := NewDirSource(root)

	_, err := src.NextFrame(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNoFrame)

	_, err = src.NextFrame(context.Background(), "empty")
	assert.ErrorIs(t, err, core.ErrNoFrame)

	_, err = src.NextFrame(context.Background(), "../etc")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrNoFrame)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cameras/bus-1/snapshot.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpeg"))
		case "/cameras/bus-2/snapshot.jpg":
			http.NotFound(w, r)
		default:
			http.Error(w, "camera offline", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/cameras/{id}/snapshot.jpg", time.Second)
	defer src.Close()

	frame, err := src.NextFrame(context.Background(), "bus-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), frame.Data)
	assert.Equal(t, "image/jpeg", frame.ContentType)

	_, err = src.NextFrame(context.Background(), "bus-2")
	assert.ErrorIs(t, err, core.ErrNoFrame)

	_, err = src.NextFrame(context.Background(), "bus-3")
	assert.ErrorContains(t, err, "502")
}

func TestNew(t *testing.T) {
	opts := options.NewFrameOptions()

	opts.Source = options.FrameSourceDir
	src, err := New(opts)
	require.NoError(t, err)
	assert.IsType(t, &DirSource{}, src)

	opts.Source = options.FrameSourceHTTP
	src, err = New(opts)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	opts.Source = "carrier-pigeon"
	_, err = New(opts)
	assert.Error(t, err)
}
