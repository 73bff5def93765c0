package weather

import "fmt"

// Policy holds the flight limits a reading is judged against. Zero limits are
// not checked.
type Policy struct {
	MaxWindMPS         float64
	MinVisibilityKm    float64
	MinTempC           float64
	MaxTempC           float64
	MaxPrecipitationMM float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxWindMPS:         10,
		MinVisibilityKm:    3,
		MinTempC:           -10,
		MaxTempC:           45,
		MaxPrecipitationMM: 0.5,
	}
}

// Evaluate returns whether r is flyable and, if not, why.
func (p Policy) Evaluate(r Reading) (bool, []string) {
	var reasons []string
	if p.MaxWindMPS > 0 && r.WindSpeedMPS > p.MaxWindMPS {
		reasons = append(reasons, fmt.Sprintf("wind %.1f m/s exceeds %.1f m/s", r.WindSpeedMPS, p.MaxWindMPS))
	}
	if p.MinVisibilityKm > 0 && r.VisibilityKm < p.MinVisibilityKm {
		reasons = append(reasons, fmt.Sprintf("visibility %.1f km below %.1f km", r.VisibilityKm, p.MinVisibilityKm))
	}
	if p.MaxTempC > p.MinTempC {
		if r.TemperatureC < p.MinTempC {
			reasons = append(reasons, fmt.Sprintf("temperature %.1f C below %.1f C", r.TemperatureC, p.MinTempC))
		}
		if r.TemperatureC > p.MaxTempC {
			reasons = append(reasons, fmt.Sprintf("temperature %.1f C above %.1f C", r.TemperatureC, p.MaxTempC))
		}
	}
	if p.MaxPrecipitationMM > 0 && r.PrecipitationMM > p.MaxPrecipitationMM {
		reasons = append(reasons, fmt.Sprintf("precipitation %.1f mm exceeds %.1f mm", r.PrecipitationMM, p.MaxPrecipitationMM))
	}
	return len(reasons) == 0, reasons
}
