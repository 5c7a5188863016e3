package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/adalundhe/threatlens/core/features"
)

// WriteCSV exports the dataset with one column per encoded feature followed
// by label (0 benign, 1 malicious) and threat_actor (archetype tag, -1 for
// benign rows).
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := append(features.Names(), "label", "threat_actor")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(header))
	for i, s := range d.Samples {
		for j, v := range s.Encoded {
			record[j] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		tag := -1
		if s.Label == Malicious {
			tag = s.Archetype.Tag()
		}
		record[len(s.Encoded)] = strconv.Itoa(int(s.Label))
		record[len(s.Encoded)+1] = strconv.Itoa(tag)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
