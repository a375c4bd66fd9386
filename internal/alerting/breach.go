package alerting

import (
	"math"

	"github.com/playok/fitalert/internal/model"
)

// EqualityTolerance is the absolute difference under which two values
// compare equal for DirectionEqual and DirectionNotEqual.
const EqualityTolerance = 0.0001

// Breached reports whether value crosses level in the given direction.
// Above and Below are strict.
func Breached(value, level float64, dir model.Direction) bool {
	switch dir {
	case model.DirectionAbove:
		return value > level
	case model.DirectionBelow:
		return value < level
	case model.DirectionEqual:
		return math.Abs(value-level) < EqualityTolerance
	case model.DirectionNotEqual:
		return math.Abs(value-level) >= EqualityTolerance
	}
	return false
}

// Classify returns the severity a value warrants under t, or false when
// neither level is breached.
func Classify(t *model.AlertThreshold, value float64) (model.Severity, bool) {
	if Breached(value, t.CriticalValue, t.Direction) {
		return model.SeverityCritical, true
	}
	if Breached(value, t.WarningValue, t.Direction) {
		return model.SeverityWarning, true
	}
	return "", false
}
