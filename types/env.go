package types

// ------------------------
// Environmental reading
// ------------------------

// SensorReading is one environmental sample. It lives for a single wake
// cycle and is discarded at sleep.
type SensorReading struct {
	Temperature   float64 `json:"temperature"`    // °C
	Humidity      float64 `json:"humidity"`       // %RH
	Pressure      float64 `json:"pressure"`       // hPa
	GasResistance uint32  `json:"gas_resistance"` // Ω
}

// SensorInfo describes the sensor that produced readings (logged at init).
type SensorInfo struct {
	Sensor string `json:"sensor"` // "bme680", ...
	Addr   uint16 `json:"addr"`   // I2C address
	Bus    string `json:"bus"`    // "/dev/i2c-1", ...
	ChipID uint8  `json:"chip_id"`
}
