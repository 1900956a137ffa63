package alarms

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/digital-egiz/telemetry-core/internal/db/models"
)

// evaluateCondition reports whether rule holds for v. A rule missing a threshold it needs never holds.
func evaluateCondition(rule *models.AlarmRule, v models.Value, prev *models.Value) bool {
	switch rule.Condition {
	case models.ConditionGT, models.ConditionLT, models.ConditionGTE, models.ConditionLTE:
		num, ok := v.Numeric()
		if !ok || rule.Threshold == nil {
			return false
		}
		return compare(rule.Condition, num, *rule.Threshold)

	case models.ConditionEQ:
		eq, ok := equalsThreshold(rule, v)
		return ok && eq

	case models.ConditionNEQ:
		eq, ok := equalsThreshold(rule, v)
		return ok && !eq

	case models.ConditionBetween:
		num, ok := v.Numeric()
		if !ok || rule.Threshold == nil || rule.Threshold2 == nil {
			return false
		}
		return *rule.Threshold <= num && num <= *rule.Threshold2

	case models.ConditionOutside:
		num, ok := v.Numeric()
		if !ok || rule.Threshold == nil || rule.Threshold2 == nil {
			return false
		}
		return num < *rule.Threshold || num > *rule.Threshold2

	case models.ConditionChange:
		return prev != nil && !v.Equal(*prev)

	case models.ConditionNoData:
		// evaluated by the no-data monitor
		return false
	}
	return false
}

func compare(c models.Condition, v, t float64) bool {
	switch c {
	case models.ConditionGT:
		return v > t
	case models.ConditionLT:
		return v < t
	case models.ConditionGTE:
		return v >= t
	case models.ConditionLTE:
		return v <= t
	}
	return false
}

// equalsThreshold compares v against the rule's threshold. ok is false when the rule has none usable for v's kind.
func equalsThreshold(rule *models.AlarmRule, v models.Value) (eq, ok bool) {
	switch v.Kind {
	case models.KindFloat, models.KindInteger:
		if rule.Threshold == nil {
			return false, false
		}
		return v.Num == *rule.Threshold, true

	case models.KindBoolean:
		if rule.ThresholdText != nil {
			b, err := strconv.ParseBool(strings.TrimSpace(*rule.ThresholdText))
			if err != nil {
				return false, false
			}
			return v.Bool == b, true
		}
		if rule.Threshold == nil {
			return false, false
		}
		return v.Bool == (*rule.Threshold != 0), true

	case models.KindString:
		if rule.ThresholdText == nil {
			return false, false
		}
		return v.Str == *rule.ThresholdText, true
	}
	return false, false
}

var operators = map[models.Condition]string{
	models.ConditionGT:  ">",
	models.ConditionLT:  "<",
	models.ConditionEQ:  "=",
	models.ConditionNEQ: "!=",
	models.ConditionGTE: ">=",
	models.ConditionLTE: "<=",
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func withUnit(s, unit string) string {
	if unit == "" {
		return s
	}
	return s + " " + unit
}

// buildMessage renders the human readable alarm text for a value-driven rule
func buildMessage(rule *models.AlarmRule, dp *models.DatapointDefinition, v models.Value) string {
	label, unit := dp.Label(), dp.Unit
	current := withUnit(v.String(), unit)

	switch rule.Condition {
	case models.ConditionBetween, models.ConditionOutside:
		word := "within"
		if rule.Condition == models.ConditionOutside {
			word = "outside"
		}
		return fmt.Sprintf("%s: %s is %s (%s %s)", rule.Name, label, current, word,
			withUnit(fmt.Sprintf("[%s, %s]", thresholdText(rule.Threshold), thresholdText(rule.Threshold2)), unit))

	case models.ConditionChange:
		return fmt.Sprintf("%s: %s changed to %s", rule.Name, label, current)

	case models.ConditionEQ, models.ConditionNEQ:
		threshold := thresholdText(rule.Threshold)
		if rule.ThresholdText != nil {
			threshold = *rule.ThresholdText
		} else {
			threshold = withUnit(threshold, unit)
		}
		return fmt.Sprintf("%s: %s is %s (%s %s)", rule.Name, label, current, operators[rule.Condition], threshold)

	default:
		return fmt.Sprintf("%s: %s is %s (%s %s)", rule.Name, label, current,
			operators[rule.Condition], withUnit(thresholdText(rule.Threshold), unit))
	}
}

// buildNoDataMessage renders the text for a no-data alarm
func buildNoDataMessage(rule *models.AlarmRule, elapsedSeconds, expectedSeconds float64) string {
	return fmt.Sprintf("%s: no data for %ss (expected every %ss)",
		rule.Name, formatNumber(elapsedSeconds), formatNumber(expectedSeconds))
}

func thresholdText(t *float64) string {
	if t == nil {
		return "?"
	}
	return formatNumber(*t)
}
