package source

import (
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/migrate/internal/domain"
)

const sampleCSV = `Workout Date,Activity Type,Activity Name,Notes,Link
"Sept. 28, 2024",Treadmill Run,Morning Run,Felt good,https://www.mapmyrun.com/workout/8012345678
"January 2, 2023",Indoor Bike Ride,Trainer Session,,https://www.mapmyrun.com/workout/7012345678/
"Mar. 15, 2022",Walk,Lunch Walk,Windy,not-a-link
"bad date",Run,No Date Run,,https://www.mapmyrun.com/workout/6012345678
`

func TestLoadInventory(t *testing.T) {
	logger := log.New(testWriter{t}, "", 0)

	records, err := LoadInventory(strings.NewReader(sampleCSV), logger)
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0]
	require.Equal(t, int64(8012345678), first.ExternalID)
	require.Equal(t, "Treadmill Run", first.ActivityType)
	require.Equal(t, "Morning Run", first.DisplayName)
	require.Equal(t, "Felt good", first.Notes)
	require.Equal(t, domain.AcquisitionPending, first.AcquisitionStatus)
	require.Equal(t, domain.SubmissionPending, first.SubmissionStatus)
	require.NotNil(t, first.OccurredAt)
	require.Equal(t, 2024, first.OccurredAt.Year())
	require.Equal(t, time.September, first.OccurredAt.Month())
	require.Equal(t, 28, first.OccurredAt.Day())

	// Trailing slash on the link still yields the id.
	require.Equal(t, int64(7012345678), records[1].ExternalID)

	// A bad date keeps the record but without a timestamp.
	last := records[2]
	require.Equal(t, int64(6012345678), last.ExternalID)
	require.Nil(t, last.OccurredAt)
}

func TestLoadInventoryQuotedFields(t *testing.T) {
	// Notes with embedded commas and newlines must survive CSV decoding.
	csvData := "Workout Date,Activity Type,Activity Name,Notes,Link\n" +
		"\"Jan. 2, 2023\",Run,\"Tempo, then cooldown\",\"line one\nline two\",https://www.mapmyrun.com/workout/5012345678\n"

	records, err := LoadInventory(strings.NewReader(csvData), log.New(testWriter{t}, "", 0))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(5012345678), records[0].ExternalID)
	require.Equal(t, "Tempo, then cooldown", records[0].DisplayName)
	require.Equal(t, "line one\nline two", records[0].Notes)
}

func TestExtractExternalID(t *testing.T) {
	id, err := ExtractExternalID("https://www.mapmyrun.com/workout/123456")
	require.NoError(t, err)
	require.Equal(t, int64(123456), id)

	id, err = ExtractExternalID("https://www.mapmyrun.com/workout/123456/")
	require.NoError(t, err)
	require.Equal(t, int64(123456), id)

	_, err = ExtractExternalID("")
	require.Error(t, err)

	_, err = ExtractExternalID("https://www.mapmyrun.com/workout/latest")
	require.Error(t, err)
}

func TestParseWorkoutDate(t *testing.T) {
	cases := []struct {
		in          string
		year        int
		month       time.Month
		day         int
	}{
		{"January 2, 2006", 2006, time.January, 2},
		{"Jan. 2, 2006", 2006, time.January, 2},
		{"Sept. 28, 2024", 2024, time.September, 28},
		{"  Dec. 31, 2021 ", 2021, time.December, 31},
	}
	for _, tc := range cases {
		parsed, err := ParseWorkoutDate(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.year, parsed.Year(), tc.in)
		require.Equal(t, tc.month, parsed.Month(), tc.in)
		require.Equal(t, tc.day, parsed.Day(), tc.in)
	}

	_, err := ParseWorkoutDate("")
	require.Error(t, err)

	_, err = ParseWorkoutDate("28/09/2024")
	require.Error(t, err)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
