package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Per-board defaults compiled into the binary. Key: device name (the
// --device flag); value: YAML overlaid by the on-disk config file.
// -----------------------------------------------------------------------------

const cfgRPiBME680 = `
cycle:
  sleep_seconds: 300
  update_check_interval: 24
  network_timeout_ms: 30000
  publish_timeout_ms: 10000
sensor:
  bus: /dev/i2c-1
  address: 0x77
network:
  interface: wlan0
power:
  mode: rtc
`

const cfgBench = `
cycle:
  sleep_seconds: 10
  update_check_interval: 6
  network_timeout_ms: 5000
  publish_timeout_ms: 2000
sensor:
  bus: /dev/i2c-1
  address: 0x76
network:
  interface: eth0
  release_link: false
collector:
  url: http://127.0.0.1:5000/sensor
power:
  mode: timer
log:
  level: debug
`

var embeddedConfigs = map[string][]byte{
	"rpi-bme680": []byte(cfgRPiBME680),
	"bench":      []byte(cfgBench),
}
