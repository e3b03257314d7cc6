package csvscope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// A single (x, y) sample. The order of points in a DataSeries is significant.
type DataPoint struct {
	X float64
	Y float64
}

// An ordered sequence of points indexed 0..N-1. A series is never modified
// after it is loaded; a new load replaces it wholesale.
type DataSeries []DataPoint

var (
	errTooFewFields = errors.New("expected at least 2 fields (x,y)")
	errNotFinite    = errors.New("value is not finite")
)

// ParseError is returned when a row of the input cannot be turned into a
// DataPoint. The whole load is rejected when this happens.
type ParseError struct {
	// 1-based line number in the input.
	Line int

	// 0-based index of the offending field, or -1 if the row as a whole is
	// malformed.
	Field int

	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}

	return fmt.Sprintf("line %d, field %d: cannot parse %q as a number: %v", e.Line, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reads every row from input and converts field 0 to X and field 1 to Y.
// Additional fields are ignored. Any unparsable or non-finite value aborts the
// parse with a *ParseError.
func ParseSeries(ctx context.Context, input StringReader) (DataSeries, error) {
	series := make(DataSeries, 0)

	for {
		fields, err := input.Read(ctx)
		if err == io.EOF {
			return series, nil
		}

		if err != nil {
			return nil, err
		}

		if len(fields) < 2 {
			return nil, &ParseError{Line: input.LineNumber(), Field: -1, Value: strings.Join(fields, ","), Err: errTooFewFields}
		}

		var values [2]float64
		for i := range values {
			value := strings.TrimSpace(fields[i])
			values[i], err = strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, &ParseError{Line: input.LineNumber(), Field: i, Value: value, Err: err}
			}

			if math.IsNaN(values[i]) || math.IsInf(values[i], 0) {
				return nil, &ParseError{Line: input.LineNumber(), Field: i, Value: value, Err: errNotFinite}
			}
		}

		series = append(series, DataPoint{X: values[0], Y: values[1]})
	}
}

// The DataStore holds the currently loaded series. It is owned by the Viewer
// loop and is therefore not safe for concurrent use.
type DataStore struct {
	series DataSeries
	format string

	logger logrus.FieldLogger
}

// Creates an empty DataStore. format is one of FormatComma, FormatRelaxed or
// FormatCSV and selects how each line is split into fields.
func NewDataStore(format string) (*DataStore, error) {
	if _, err := NewStringReader(format, strings.NewReader("")); err != nil {
		return nil, err
	}

	return &DataStore{
		series: DataSeries{},
		format: format,
		logger: logrus.WithField("tag", "DataStore"),
	}, nil
}

// Parses raw text and replaces the current series with it. On error the
// previous series stays in place.
func (s *DataStore) Load(raw string) (DataSeries, error) {
	return s.LoadReader(context.Background(), strings.NewReader(strings.TrimSpace(raw)))
}

func (s *DataStore) LoadReader(ctx context.Context, input io.Reader) (DataSeries, error) {
	reader, err := NewStringReader(s.format, input)
	if err != nil {
		return nil, err
	}

	series, err := ParseSeries(ctx, reader)
	if err != nil {
		s.logger.WithError(err).Warn("rejected load, keeping previous series")
		return nil, err
	}

	s.Replace(series)

	return series, nil
}

// Swaps in an already parsed series. Used when parsing happens away from the
// goroutine that owns the store.
func (s *DataStore) Replace(series DataSeries) {
	if series == nil {
		series = DataSeries{}
	}

	s.series = series
	s.logger.WithField("points", len(series)).Info("loaded series")
}

func (s *DataStore) Format() string {
	return s.format
}

// Returns the current series. Callers must not modify it.
func (s *DataStore) Get() DataSeries {
	return s.series
}

func (s *DataStore) Len() int {
	return len(s.series)
}
