package status

import (
	"slices"
	"strings"
	"sync"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	"github.com/autopeer-io/occupeye/internal/pkg/metrics"
)

var allStatuses = []model.Status{
	model.StatusUnknown,
	model.StatusNormal,
	model.StatusOvercrowded,
	model.StatusOffline,
}

// Board keeps the latest snapshot of every vehicle for queries.
type Board struct {
	entries sync.Map // vehicleID -> *model.VehicleStatus
}

var (
	_ core.StatusSink   = (*Board)(nil)
	_ core.StatusReader = (*Board)(nil)
)

func NewBoard() *Board {
	return &Board{}
}

// Update stores a copy of status and refreshes the status gauge.
func (b *Board) Update(status *model.VehicleStatus) {
	snapshot := *status
	b.entries.Store(status.VehicleID, &snapshot)

	for _, s := range allStatuses {
		value := 0.0
		if s == status.Status {
			value = 1
		}
		metrics.VehicleStatus.WithLabelValues(status.VehicleID, string(s)).Set(value)
	}
}

// Forget removes vehicleID from the board.
func (b *Board) Forget(vehicleID string) {
	b.entries.Delete(vehicleID)
	for _, s := range allStatuses {
		metrics.VehicleStatus.DeleteLabelValues(vehicleID, string(s))
	}
}

// CurrentStatus returns a copy of the latest snapshot for vehicleID.
func (b *Board) CurrentStatus(vehicleID string) (*model.VehicleStatus, bool) {
	v, ok := b.entries.Load(vehicleID)
	if !ok {
		return nil, false
	}
	snapshot := *v.(*model.VehicleStatus)
	return &snapshot, true
}

// List returns copies of every snapshot ordered by vehicle id.
func (b *Board) List() []*model.VehicleStatus {
	var out []*model.VehicleStatus
	b.entries.Range(func(_, v any) bool {
		snapshot := *v.(*model.VehicleStatus)
		out = append(out, &snapshot)
		return true
	})
	slices.SortFunc(out, func(a, b *model.VehicleStatus) int {
		return strings.Compare(a.VehicleID, b.VehicleID)
	})
	return out
}
