// Package ndjson reads and writes newline-delimited FHIR resources, the format of bulk $export
// output and $import input.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework/helpers"
)

// maxLineSize bounds a single resource. Bundles with attachments can be large.
const maxLineSize = 16 * 1024 * 1024

// Line is one non-blank line of an NDJSON stream. Err is set if the line is not a JSON object with a
// string resourceType.
type Line struct {
	Number       int
	ResourceType string
	ID           string
	Raw          []byte
	Err          error
}

// Resource decodes the full line.
func (l Line) Resource() (fhirmodel.Resource, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	return fhirmodel.ParseResource(l.Raw)
}

// Scan calls fn for every non-blank line. Malformed lines are passed to fn with Err set rather than
// stopping the scan; an error from fn or from the reader does stop it.
func Scan(r io.Reader, fn func(Line) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		line := parseLine(append([]byte(nil), raw...))
		line.Number = n
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading NDJSON: %w", err)
	}
	return nil
}

// parseLine reads only the top-level resourceType and id, skipping everything else without
// building a value tree.
func parseLine(raw []byte) Line {
	line := Line{Raw: raw}
	r := jreader.NewReader(raw)
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "resourceType":
			line.ResourceType = r.String()
		case "id":
			line.ID = r.String()
		default:
			_ = r.SkipValue()
		}
	}
	switch {
	case r.Error() != nil:
		line.Err = fmt.Errorf("line is not a valid resource: %w", r.Error())
	case line.ResourceType == "":
		line.Err = errors.New("line has no resourceType")
	}
	return line
}

// Summary counts the resources of an NDJSON stream by type.
type Summary struct {
	Counts  map[string]int
	IDs     map[string][]string
	Invalid []Line
}

func (s Summary) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Types returns the resource types present, sorted.
func (s Summary) Types() []string {
	ret := make([]string, 0, len(s.Counts))
	for t := range s.Counts {
		ret = append(ret, t)
	}
	return helpers.Sorted(ret)
}

// HasID returns true if a resource of the given type and id was present.
func (s Summary) HasID(resourceType, id string) bool {
	for _, i := range s.IDs[resourceType] {
		if i == id {
			return true
		}
	}
	return false
}

func Summarize(r io.Reader) (Summary, error) {
	s := Summary{Counts: make(map[string]int), IDs: make(map[string][]string)}
	err := Scan(r, func(l Line) error {
		if l.Err != nil {
			s.Invalid = append(s.Invalid, l)
			return nil
		}
		s.Counts[l.ResourceType]++
		if l.ID != "" {
			s.IDs[l.ResourceType] = append(s.IDs[l.ResourceType], l.ID)
		}
		return nil
	})
	return s, err
}

// Writer writes one resource per line.
type Writer struct {
	w     io.Writer
	count int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(r fhirmodel.Resource) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *Writer) Count() int { return w.count }

// Encode returns the resources as an NDJSON document.
func Encode(resources ...fhirmodel.Resource) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, r := range resources {
		_ = w.Write(r)
	}
	return buf.Bytes()
}
