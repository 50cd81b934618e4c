package domain

import "strings"

// activityTypeMap rewrites source-platform activity labels into the closed
// set of categories the destination accepts. Matching is substring based
// because the source free-texts variants like "Treadmill Run Intervals".
var activityTypeMap = []struct {
	contains string
	mapped   string
}{
	{"treadmill run", "run"},
	{"track run", "run"},
	{"run", "run"},
	{"walk", "walk"},
	{"hike", "hike"},
	{"biking", "ride"},
	{"bike", "ride"},
	{"cycle", "ride"},
	{"spin", "ride"},
	{"swim", "swim"},
	{"elliptical", "elliptical"},
	{"stairs", "stairstepper"},
	{"weight training", "weighttraining"},
}

// NormalizeActivityType maps a source activity label to a destination
// category, falling back to "workout" for anything unrecognized.
func NormalizeActivityType(sourceType string) string {
	if sourceType == "" {
		return "workout"
	}
	lowered := strings.ToLower(sourceType)
	for _, m := range activityTypeMap {
		if strings.Contains(lowered, m.contains) {
			return m.mapped
		}
	}
	return "workout"
}
