package sensor

// Spec describes one known numeric sensor. Precision is the suggested
// display precision; -1 means unspecified.
type Spec struct {
	Descriptor string
	Name       string
	Unit       string
	Class      string
	StateClass string
	Precision  int
}

// BinarySpec describes one known binary sensor. OnValues are the raw
// telemetry values that read as "on"; the match is exact.
type BinarySpec struct {
	Descriptor string
	Name       string
	Class      string
	OnValues   []string
}

// Specs is the catalog of known numeric sensors, keyed by the
// descriptor names the CarData API delivers.
var Specs = []Spec{
	{Descriptor: "electricVehicle.chargingLevelHv", Name: "battery_level", Unit: "%", Class: "battery", StateClass: "measurement", Precision: 0},
	{Descriptor: "electricVehicle.remainingRangeElectric", Name: "range_electric", Unit: "km", Class: "distance", StateClass: "measurement", Precision: 0},
	{Descriptor: "electricVehicle.chargingPower", Name: "charging_power", Unit: "kW", Class: "power", StateClass: "measurement", Precision: 2},
	{Descriptor: "electricVehicle.chargingTimeRemaining", Name: "charging_time_remaining", Unit: "min", Class: "duration", Precision: 0},
	{Descriptor: "electricVehicle.chargingStatus", Name: "charging_status", Precision: -1},
	{Descriptor: "fuel.remainingFuel", Name: "fuel_level", Unit: "L", StateClass: "measurement", Precision: 1},
	{Descriptor: "fuel.remainingRangeFuel", Name: "range_fuel", Unit: "km", Class: "distance", StateClass: "measurement", Precision: 0},
	{Descriptor: "remainingRangeCombined", Name: "range_combined", Unit: "km", Class: "distance", StateClass: "measurement", Precision: 0},
	{Descriptor: "odometer", Name: "odometer", Unit: "km", Class: "distance", StateClass: "total_increasing", Precision: 0},
	{Descriptor: "tirePressure.frontLeft", Name: "tire_pressure_front_left", Unit: "bar", Class: "pressure", StateClass: "measurement", Precision: 1},
	{Descriptor: "tirePressure.frontRight", Name: "tire_pressure_front_right", Unit: "bar", Class: "pressure", StateClass: "measurement", Precision: 1},
	{Descriptor: "tirePressure.rearLeft", Name: "tire_pressure_rear_left", Unit: "bar", Class: "pressure", StateClass: "measurement", Precision: 1},
	{Descriptor: "tirePressure.rearRight", Name: "tire_pressure_rear_right", Unit: "bar", Class: "pressure", StateClass: "measurement", Precision: 1},
	{Descriptor: "outsideTemperature", Name: "outside_temperature", Unit: "°C", Class: "temperature", StateClass: "measurement", Precision: 1},
}

// BinarySpecs is the catalog of known binary sensors.
var BinarySpecs = []BinarySpec{
	{Descriptor: "doors.driverFront", Name: "door_driver_front", Class: "door", OnValues: []string{"OPEN"}},
	{Descriptor: "doors.driverRear", Name: "door_driver_rear", Class: "door", OnValues: []string{"OPEN"}},
	{Descriptor: "doors.passengerFront", Name: "door_passenger_front", Class: "door", OnValues: []string{"OPEN"}},
	{Descriptor: "doors.passengerRear", Name: "door_passenger_rear", Class: "door", OnValues: []string{"OPEN"}},
	{Descriptor: "windows.driverFront", Name: "window_driver_front", Class: "window", OnValues: []string{"OPEN", "INTERMEDIATE"}},
	{Descriptor: "windows.driverRear", Name: "window_driver_rear", Class: "window", OnValues: []string{"OPEN", "INTERMEDIATE"}},
	{Descriptor: "windows.passengerFront", Name: "window_passenger_front", Class: "window", OnValues: []string{"OPEN", "INTERMEDIATE"}},
	{Descriptor: "windows.passengerRear", Name: "window_passenger_rear", Class: "window", OnValues: []string{"OPEN", "INTERMEDIATE"}},
	{Descriptor: "hood", Name: "hood", Class: "door", OnValues: []string{"OPEN"}},
	{Descriptor: "trunk", Name: "trunk", Class: "door", OnValues: []string{"OPEN"}},
	{Descriptor: "doorLockState", Name: "locked", Class: "lock", OnValues: []string{"LOCKED", "SECURED"}},
	{Descriptor: "electricVehicle.chargingActive", Name: "charging_active", Class: "battery_charging", OnValues: []string{"true", "TRUE", "CHARGING"}},
	{Descriptor: "electricVehicle.pluggedIn", Name: "plugged_in", Class: "plug", OnValues: []string{"true", "TRUE", "CONNECTED"}},
}

// Descriptor layouts that may carry the GPS position, probed in order.
var (
	latitudeKeys  = []string{"navigation.latitude", "gps.latitude", "position.latitude"}
	longitudeKeys = []string{"navigation.longitude", "gps.longitude", "position.longitude"}
)

// DefaultContainerDescriptors is the technical descriptor set requested
// when the bridge creates its telemetry container: every cataloged
// sensor plus the position layouts.
func DefaultContainerDescriptors() []string {
	out := make([]string, 0, len(Specs)+len(BinarySpecs)+len(latitudeKeys)+len(longitudeKeys))
	for _, s := range Specs {
		out = append(out, s.Descriptor)
	}
	for _, b := range BinarySpecs {
		out = append(out, b.Descriptor)
	}
	out = append(out, latitudeKeys...)
	out = append(out, longitudeKeys...)
	return out
}

var (
	specByDescriptor   map[string]Spec
	binaryByDescriptor map[string]BinarySpec
)

func init() {
	specByDescriptor = make(map[string]Spec, len(Specs))
	for _, s := range Specs {
		specByDescriptor[s.Descriptor] = s
	}
	binaryByDescriptor = make(map[string]BinarySpec, len(BinarySpecs))
	for _, b := range BinarySpecs {
		binaryByDescriptor[b.Descriptor] = b
	}
}
