package catalog

import (
	"math"
	"strings"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

// UN/CEFACT unit codes to inches.
var lengthToInches = map[string]float64{
	"INH": 1,
	"FT":  12,
	"CMT": 0.3937007874,
	"MTR": 39.37007874,
	"MMT": 0.03937007874,
	"YRD": 36,
}

// UN/CEFACT unit codes to pounds.
var weightToPounds = map[string]float64{
	"LBR": 1,
	"ONZ": 0.0625,
	"KGM": 2.20462262,
	"GRM": 0.00220462262,
}

var lengthAliases = map[string]string{
	"inch": "INH", "inches": "INH", "in": "INH",
	"foot": "FT", "feet": "FT", "ft": "FT",
	"centimeter": "CMT", "centimeters": "CMT", "cm": "CMT",
	"meter": "MTR", "meters": "MTR", "m": "MTR",
	"millimeter": "MMT", "millimeters": "MMT", "mm": "MMT",
	"yard": "YRD", "yards": "YRD",
}

var weightAliases = map[string]string{
	"pound": "LBR", "pounds": "LBR", "lb": "LBR", "lbs": "LBR",
	"ounce": "ONZ", "ounces": "ONZ", "oz": "ONZ",
	"kilogram": "KGM", "kilograms": "KGM", "kg": "KGM",
	"gram": "GRM", "grams": "GRM", "g": "GRM",
}

// LengthInInches converts a positive length to inches.
func LengthInInches(q *domain.QuantitativeValue) (float64, bool) {
	return convert(q, lengthToInches, lengthAliases)
}

// WeightInPounds converts a positive weight to pounds.
func WeightInPounds(q *domain.QuantitativeValue) (float64, bool) {
	return convert(q, weightToPounds, weightAliases)
}

func convert(q *domain.QuantitativeValue, factors map[string]float64, aliases map[string]string) (float64, bool) {
	if q == nil || q.Value == nil || *q.Value <= 0 {
		return 0, false
	}
	code := strings.ToUpper(strings.TrimSpace(q.UnitCode))
	if _, ok := factors[code]; !ok {
		code = aliases[strings.ToLower(strings.TrimSpace(q.UnitText))]
	}
	factor, ok := factors[code]
	if !ok {
		return 0, false
	}
	return float64(*q.Value) * factor, true
}

// EstimatePackage derives shipping dimensions when height, width, depth and
// weight are all known.
func EstimatePackage(p *domain.Product) *domain.PackageEstimate {
	height, ok := LengthInInches(p.Height)
	if !ok {
		return nil
	}
	width, ok := LengthInInches(p.Width)
	if !ok {
		return nil
	}
	length, ok := LengthInInches(p.Depth)
	if !ok {
		return nil
	}
	weight, ok := WeightInPounds(p.Weight)
	if !ok {
		return nil
	}
	return &domain.PackageEstimate{
		Weight: domain.PackageWeight{
			Value: roundTo(math.Max(weight, 0.1), 2),
			Unit:  "POUND",
		},
		Size: domain.PackageSize{
			Height: roundTo(height, 1),
			Length: roundTo(length, 1),
			Width:  roundTo(width, 1),
			Unit:   "INCH",
		},
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
