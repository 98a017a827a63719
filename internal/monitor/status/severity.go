package status

import "github.com/autopeer-io/occupeye/internal/monitor/core/model"

// Occupancy thresholds. More than one face means overcrowded.
const (
	normalMax   = 1
	moderateMax = 5
	highMax     = 10
)

// Classify maps a non-negative face count to a status and severity.
func Classify(faceCount int) (model.Status, model.Severity) {
	switch {
	case faceCount <= normalMax:
		return model.StatusNormal, model.SeverityNone
	case faceCount <= moderateMax:
		return model.StatusOvercrowded, model.SeverityModerate
	case faceCount <= highMax:
		return model.StatusOvercrowded, model.SeverityHigh
	default:
		return model.StatusOvercrowded, model.SeverityCritical
	}
}
