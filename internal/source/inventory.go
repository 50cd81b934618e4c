// Package source parses the workout-history export from the source platform.
package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"example.com/migrate/internal/domain"
)

// row mirrors the columns of the source platform's workout-history CSV.
// Headers must match the export exactly; csvutil maps them via the tags.
type row struct {
	WorkoutDate  string `csv:"Workout Date"`
	ActivityType string `csv:"Activity Type"`
	ActivityName string `csv:"Activity Name"`
	Notes        string `csv:"Notes"`
	Link         string `csv:"Link"`
}

// dateFormats are the textual formats the export is known to use. The
// non-standard "Sept." abbreviation is normalized before parsing.
var dateFormats = []string{
	"January 2, 2006",
	"Jan. 2, 2006",
}

// LoadInventory decodes the workout-history CSV into records ready for
// UpsertFromSource. Rows whose link or date cannot be interpreted are skipped
// with a warning; a bad row must not abort the whole population step.
func LoadInventory(r io.Reader, logger *log.Logger) ([]domain.WorkoutRecord, error) {
	decoder, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("create CSV decoder: %w", err)
	}

	var rows []row
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode workout history CSV: %w", err)
	}

	records := make([]domain.WorkoutRecord, 0, len(rows))
	for _, r := range rows {
		externalID, err := ExtractExternalID(r.Link)
		if err != nil {
			logger.Printf("skipping row: %v", err)
			continue
		}

		rec := domain.WorkoutRecord{
			ExternalID:        externalID,
			ActivityType:      strings.TrimSpace(r.ActivityType),
			DisplayName:       strings.TrimSpace(r.ActivityName),
			Notes:             strings.TrimSpace(r.Notes),
			AcquisitionStatus: domain.AcquisitionPending,
			SubmissionStatus:  domain.SubmissionPending,
		}

		if occurred, err := ParseWorkoutDate(r.WorkoutDate); err != nil {
			logger.Printf("workout %d: %v (record kept without date)", externalID, err)
		} else {
			rec.OccurredAt = &occurred
		}

		records = append(records, rec)
	}

	logger.Printf("loaded %d workouts from source export (%d rows)", len(records), len(rows))
	return records, nil
}

// ExtractExternalID pulls the numeric workout id from the trailing path
// segment of the export's link column.
func ExtractExternalID(link string) (int64, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(link), "/")
	if trimmed == "" {
		return 0, fmt.Errorf("empty workout link")
	}
	segments := strings.Split(trimmed, "/")
	id, err := strconv.ParseInt(segments[len(segments)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("no workout id in link %q", link)
	}
	return id, nil
}

// ParseWorkoutDate parses the export's textual dates, tolerating the
// non-standard "Sept." month abbreviation.
func ParseWorkoutDate(value string) (time.Time, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(value, "Sept.", "Sep."))
	if cleaned == "" {
		return time.Time{}, fmt.Errorf("empty workout date")
	}
	for _, format := range dateFormats {
		if parsed, err := time.ParseInLocation(format, cleaned, time.Local); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable workout date %q", value)
}
