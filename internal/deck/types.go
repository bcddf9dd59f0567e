// Package deck holds the structured deck model shared by the parser,
// resolver, business rules and exporters, plus the parsing of raw OCR
// spans into that model.
package deck

// OCRSpan is one OCR-produced text fragment.
type OCRSpan struct {
	Text string  `json:"text"`
	Conf float64 `json:"conf"`
}

// RawOCR is the ordered span sequence of a single OCR pass.
type RawOCR struct {
	Spans    []OCRSpan `json:"spans"`
	MeanConf float64   `json:"mean_conf"`
}

// Candidate is one scored catalogue suggestion for a parsed name.
// Scores are in [0,100].
type Candidate struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	CatalogueID string  `json:"catalogue_id,omitempty"`
}

// Entry is a parsed card line with its resolution candidates.
type Entry struct {
	Qty        int         `json:"qty"`
	Name       string      `json:"name"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Sections is the parsed main/side split, prior to normalization.
type Sections struct {
	Main []Entry `json:"main"`
	Side []Entry `json:"side"`
}

// NormalizedCard is an entry carrying the catalogue's canonical spelling.
type NormalizedCard struct {
	Qty         int    `json:"qty"`
	Name        string `json:"name"`
	CatalogueID string `json:"catalogue_id,omitempty"`
}

// Normalized is the canonical deck emitted by the resolver.
type Normalized struct {
	Main []NormalizedCard `json:"main"`
	Side []NormalizedCard `json:"side"`
}

// Result is the terminal payload of a completed job.
type Result struct {
	JobID      string           `json:"jobId"`
	Raw        RawOCR           `json:"raw"`
	Parsed     Sections         `json:"parsed"`
	Normalized Normalized       `json:"normalized"`
	TimingsMS  map[string]int64 `json:"timings_ms"`
	TraceID    string           `json:"traceId"`
	FromCache  bool             `json:"from_cache,omitempty"`
}

// MainQuantity sums main-section quantities.
func (n Normalized) MainQuantity() int {
	var total int
	for _, c := range n.Main {
		total += c.Qty
	}
	return total
}
