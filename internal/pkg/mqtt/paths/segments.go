package paths

// Topic segments used by the monitor. Topics are {root}/{segment}/{vehicleID}.

// Upstream: monitor -> fleet backend.
const (
	// Alert carries AlertEvent JSON for overcrowding and service-unavailable.
	// Pattern: {root}/alert/{vehicleID}
	Alert = "alert"

	// Status carries the retained VehicleStatus snapshot after every transition.
	// Pattern: {root}/status/{vehicleID}
	Status = "status"

	// Online is the monitor's own presence, published as its last will.
	// Pattern: {root}/online/{monitorID}
	Online = "online"
)

// Downstream: fleet backend -> monitor.
const (
	// Roster activates, deactivates or removes a vehicle.
	// Payload: {"action":"activate","vehicle":{"id":"bus-1","capacity":40}}
	// Pattern: {root}/roster/{vehicleID}
	Roster = "roster"
)
