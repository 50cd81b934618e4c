package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeActivityType(t *testing.T) {
	cases := map[string]string{
		"Run":                     "run",
		"Treadmill Run":           "run",
		"Treadmill Run Intervals": "run",
		"Track Run":               "run",
		"Walk":                    "walk",
		"Dog Walk":                "walk",
		"Hike":                    "hike",
		"Indoor Bike Ride":        "ride",
		"Mountain Biking":         "ride",
		"Spin Class":              "ride",
		"Open Water Swim":         "swim",
		"Elliptical":              "elliptical",
		"Stairs Workout":          "stairstepper",
		"Weight Training":         "weighttraining",
		"Yoga":                    "workout",
		"":                        "workout",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeActivityType(in), "input %q", in)
	}
}

func TestEligibility(t *testing.T) {
	rec := WorkoutRecord{AcquisitionStatus: AcquisitionPending, SubmissionStatus: SubmissionPending}
	require.True(t, rec.EligibleForAcquisition())
	require.False(t, rec.EligibleForSubmission())

	rec.AcquisitionStatus = AcquisitionValid
	require.False(t, rec.EligibleForAcquisition())
	require.True(t, rec.EligibleForSubmission())

	rec.SubmissionStatus = SubmissionFailed
	require.True(t, rec.EligibleForSubmission())

	rec.SubmissionStatus = SubmissionSucceeded
	require.False(t, rec.EligibleForSubmission())
	require.True(t, rec.Terminal())

	rec.SubmissionStatus = SubmissionSkippedDup
	require.True(t, rec.Terminal())

	rec.SubmissionStatus = SubmissionMissingArtifact
	require.True(t, rec.Terminal())

	rec.SubmissionStatus = SubmissionFailed
	require.False(t, rec.Terminal())
}

func TestFatalError(t *testing.T) {
	base := errors.New("cookie expired")
	err := Fatalf("source auth: %w", base)

	require.True(t, IsFatal(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsFatal(base))
	require.False(t, IsFatal(nil))
}
