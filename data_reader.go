package csvscope

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// The loading pipeline starts with an io.Reader (a file, stdin, an HTTP body or
// an S3 object, see file_loader.go). A StringReader splits it into rows of
// fields, and the DataStore converts the first two fields of every row into a
// DataPoint.

// When Read is called, return an array of strings which are the fields of the
// next non-empty line. io.EOF is returned once the input is exhausted.
type StringReader interface {
	Read(context.Context) ([]string, error)

	// The 1-based number of the line returned by the last Read.
	LineNumber() int
}

// Input formats understood by NewStringReader.
const (
	FormatComma   = "comma"
	FormatRelaxed = "relaxed"
	FormatCSV     = "csv"
)

func NewStringReader(format string, input io.Reader) (StringReader, error) {
	switch format {
	case "", FormatComma:
		return NewCommaStringReader(input), nil
	case FormatRelaxed:
		return NewRelaxedStringReader(input), nil
	case FormatCSV:
		return NewCsvStringReader(input), nil
	default:
		return nil, fmt.Errorf("unknown input format %q (expected %s, %s or %s)", format, FormatComma, FormatRelaxed, FormatCSV)
	}
}

// This implements a StringReader and reads an io.Reader using the Golang csv
// module. This means the input data must strictly conform to CSV data. Rows may
// have different number of fields.
type CsvStringReader struct {
	input     io.Reader
	csvReader *csv.Reader

	lineCount int
}

func NewCsvStringReader(input io.Reader) *CsvStringReader {
	csvReader := csv.NewReader(input)
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	return &CsvStringReader{
		input:     input,
		csvReader: csvReader,
		lineCount: 0,
	}
}

func (r *CsvStringReader) Read(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	line, err := r.csvReader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}

	if err != nil {
		var csvErr *csv.ParseError
		if errors.As(err, &csvErr) {
			r.lineCount = csvErr.StartLine
			logrus.WithFields(logrus.Fields{
				"tag":     "CsvString",
				"lineNum": csvErr.StartLine,
			}).WithError(err).Debug("unable to parse CSV")
			return nil, &ParseError{Line: csvErr.StartLine, Field: -1, Err: csvErr.Err}
		}

		logrus.WithField("tag", "CsvString").WithError(err).Error("unable to read CSV")
		return nil, err
	}

	r.lineCount, _ = r.csvReader.FieldPos(0)

	return line, nil
}

func (r *CsvStringReader) LineNumber() int {
	return r.lineCount
}

// scannerStringReader holds the line scanning shared by the comma and relaxed
// readers. Blank lines are skipped.
type scannerStringReader struct {
	scanner *bufio.Scanner
	split   func(string) []string
	tag     string

	lineCount int
}

func (r *scannerStringReader) Read(ctx context.Context) ([]string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				logrus.WithField("tag", r.tag).WithError(err).Error("unable to read line")
				return nil, err
			}
			return nil, io.EOF
		}

		r.lineCount++

		line := strings.TrimSpace(r.scanner.Text())
		if len(line) == 0 {
			continue
		}

		return r.split(line), nil
	}
}

func (r *scannerStringReader) LineNumber() int {
	return r.lineCount
}

// Splits every line on commas and nothing else. This is the format produced by
// most spreadsheet exports of two numeric columns and is the default.
type CommaStringReader struct {
	scannerStringReader
}

func NewCommaStringReader(input io.Reader) *CommaStringReader {
	return &CommaStringReader{
		scannerStringReader: scannerStringReader{
			scanner: bufio.NewScanner(input),
			split: func(line string) []string {
				return strings.Split(line, ",")
			},
			tag: "CommaString",
		},
	}
}

// This is a more relaxed reader that can split on spaces or commas. However, it does not
// follow string CSV formatting.
type RelaxedStringReader struct {
	scannerStringReader
}

// Split on either comma or any number of spaces or tabs
var relaxedSplitter = regexp.MustCompile("[ \t]+|,")

func NewRelaxedStringReader(input io.Reader) *RelaxedStringReader {
	return &RelaxedStringReader{
		scannerStringReader: scannerStringReader{
			scanner: bufio.NewScanner(input),
			split: func(line string) []string {
				// Return only non-empty fields
				return Filter(relaxedSplitter.Split(line, -1), func(value string) bool {
					return len(value) > 0
				})
			},
			tag: "RelaxedString",
		},
	}
}
