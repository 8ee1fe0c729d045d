package bme680

// Compensation follows the floating-point formulas of the Bosch BME680
// datasheet (section 3.3 / 3.4). Pressure is returned in Pa.

type calibration struct {
	t1 uint16
	t2 int16
	t3 int8

	p1  uint16
	p2  int16
	p3  int8
	p4  int16
	p5  int16
	p6  int8
	p7  int8
	p8  int16
	p9  int16
	p10 uint8

	h1 uint16
	h2 uint16
	h3 int8
	h4 int8
	h5 int8
	h6 uint8
	h7 int8

	g1 int8
	g2 int16
	g3 int8

	resHeatRange uint8
	resHeatVal   int8
	rangeSwErr   int8
}

type rawField struct {
	status   byte
	pressADC uint32
	tempADC  uint32
	humADC   uint16
	gasADC   uint16
	gasRange uint8
	gasValid bool
	heatStab bool
}

func le16(lo, hi byte) uint16 { return uint16(hi)<<8 | uint16(lo) }

// parseCalibration decodes the coefficient blocks read from 0x89 (25 bytes)
// and 0xE1 (16 bytes) plus the three heater trim registers.
func parseCalibration(c1 [lenCoeff1]byte, c2 [lenCoeff2]byte, heatVal, heatRng, swErr byte) calibration {
	return calibration{
		t1: le16(c2[8], c2[9]), // 0xE9/0xEA
		t2: int16(le16(c1[1], c1[2])),
		t3: int8(c1[3]),

		p1:  le16(c1[5], c1[6]),
		p2:  int16(le16(c1[7], c1[8])),
		p3:  int8(c1[9]),
		p4:  int16(le16(c1[11], c1[12])),
		p5:  int16(le16(c1[13], c1[14])),
		p7:  int8(c1[15]),
		p6:  int8(c1[16]),
		p8:  int16(le16(c1[19], c1[20])),
		p9:  int16(le16(c1[21], c1[22])),
		p10: c1[23],

		h1: uint16(c2[2])<<4 | uint16(c2[1]&0x0F),
		h2: uint16(c2[0])<<4 | uint16(c2[1]>>4),
		h3: int8(c2[3]),
		h4: int8(c2[4]),
		h5: int8(c2[5]),
		h6: c2[6],
		h7: int8(c2[7]),

		g2: int16(le16(c2[10], c2[11])),
		g1: int8(c2[12]),
		g3: int8(c2[13]),

		resHeatRange: (heatRng & 0x30) >> 4,
		resHeatVal:   int8(heatVal),
		rangeSwErr:   int8(swErr) >> 4,
	}
}

// parseField decodes the 15-byte block starting at meas_status_0 (0x1D).
func parseField(d []byte) rawField {
	return rawField{
		status:   d[0],
		pressADC: uint32(d[2])<<12 | uint32(d[3])<<4 | uint32(d[4])>>4,
		tempADC:  uint32(d[5])<<12 | uint32(d[6])<<4 | uint32(d[7])>>4,
		humADC:   uint16(d[8])<<8 | uint16(d[9]),
		gasADC:   uint16(d[13])<<2 | uint16(d[14])>>6,
		gasRange: d[14] & 0x0F,
		gasValid: d[14]&gasValid != 0,
		heatStab: d[14]&heatStable != 0,
	}
}

func (c *calibration) compensate(r rawField) Sample {
	tFine := c.tFine(r.tempADC)
	s := Sample{
		TemperatureC: tFine / 5120.0,
		PressurePa:   c.pressure(r.pressADC, tFine),
		HumidityRH:   c.humidity(r.humADC, tFine),
		GasValid:     r.gasValid && r.heatStab,
		HeaterStable: r.heatStab,
		RawGasRange:  r.gasRange,
		RawGasADC:    r.gasADC,
		RawTempADC:   r.tempADC,
		RawPressADC:  r.pressADC,
		RawHumADC:    r.humADC,
	}
	s.GasOhms = c.gasResistance(r.gasADC, r.gasRange)
	return s
}

func (c *calibration) tFine(adc uint32) float64 {
	a := float64(adc)
	t1 := float64(c.t1)
	v1 := (a/16384.0 - t1/1024.0) * float64(c.t2)
	x := a/131072.0 - t1/8192.0
	v2 := x * x * float64(c.t3) * 16.0
	return v1 + v2
}

func (c *calibration) pressure(adc uint32, tFine float64) float64 {
	v1 := tFine/2.0 - 64000.0
	v2 := v1 * v1 * (float64(c.p6) / 131072.0)
	v2 += v1 * float64(c.p5) * 2.0
	v2 = v2/4.0 + float64(c.p4)*65536.0
	v1 = (float64(c.p3)*v1*v1/16384.0 + float64(c.p2)*v1) / 524288.0
	v1 = (1.0 + v1/32768.0) * float64(c.p1)
	if v1 == 0 {
		return 0
	}
	p := 1048576.0 - float64(adc)
	p = (p - v2/4096.0) * 6250.0 / v1
	v1 = float64(c.p9) * p * p / 2147483648.0
	v2 = p * (float64(c.p8) / 32768.0)
	q := p / 256.0
	v3 := q * q * q * (float64(c.p10) / 131072.0)
	return p + (v1+v2+v3+float64(c.p7)*128.0)/16.0
}

func (c *calibration) humidity(adc uint16, tFine float64) float64 {
	t := tFine / 5120.0
	v1 := float64(adc) - (float64(c.h1)*16.0 + (float64(c.h3)/2.0)*t)
	v2 := v1 * ((float64(c.h2) / 262144.0) * (1.0 + (float64(c.h4)/16384.0)*t + (float64(c.h5)/1048576.0)*t*t))
	v3 := float64(c.h6) / 16384.0
	v4 := float64(c.h7) / 2097152.0
	h := v2 + (v3+v4*t)*v2*v2
	switch {
	case h > 100:
		return 100
	case h < 0:
		return 0
	}
	return h
}

var (
	gasK1Range = [16]float64{0, 0, 0, 0, 0, -1.0, 0, -0.8, 0, 0, -0.2, -0.5, 0, -1.0, 0, 0}
	gasK2Range = [16]float64{0, 0, 0, 0, 0.1, 0.7, 0, -0.8, -0.1, 0, 0, 0, 0, 0, 0, 0}
)

func (c *calibration) gasResistance(adc uint16, rng uint8) float64 {
	rng &= 0x0F
	v1 := 1340.0 + 5.0*float64(c.rangeSwErr)
	v2 := v1 * (1.0 + gasK1Range[rng]/100.0)
	v3 := 1.0 + gasK2Range[rng]/100.0
	return 1.0 / (v3 * 0.000000125 * float64(uint32(1)<<rng) * ((float64(adc)-512.0)/v2 + 1.0))
}

// heaterResistance computes the res_heat_x register value for a target
// plate temperature.
func (c *calibration) heaterResistance(targetC uint16, ambientC int8) uint8 {
	if targetC > 400 {
		targetC = 400
	}
	v1 := float64(c.g1)/16.0 + 49.0
	v2 := (float64(c.g2)/32768.0)*0.0005 + 0.00235
	v3 := float64(c.g3) / 1024.0
	v4 := v1 * (1.0 + v2*float64(targetC))
	v5 := v4 + v3*float64(ambientC)
	r := 3.4 * (v5*(4.0/(4.0+float64(c.resHeatRange)))*(1.0/(1.0+float64(c.resHeatVal)*0.002)) - 25)
	switch {
	case r < 0:
		return 0
	case r > 255:
		return 255
	}
	return uint8(r)
}
