package model

// Unknown is used for any taxonomic rank the classifier could not resolve.
const Unknown = "Unknown"

// Taxonomy is the classification result attached to an enriched record.
type Taxonomy struct {
	Kingdom string `json:"Kingdom" yaml:"kingdom"`
	Phylum  string `json:"Phylum" yaml:"phylum"`
	Class   string `json:"Class" yaml:"class"`
	Order   string `json:"Order" yaml:"order"`
	Family  string `json:"Family" yaml:"family"`
	Genus   string `json:"Genus" yaml:"genus"`
	Species string `json:"Species" yaml:"species"`
}

// TaxonomyRanks lists rank names in descending order.
var TaxonomyRanks = []string{"Kingdom", "Phylum", "Class", "Order", "Family", "Genus", "Species"}

// Ranks returns the rank values in the same order as TaxonomyRanks. A nil
// taxonomy yields Unknown for every rank.
func (t *Taxonomy) Ranks() []string {
	if t == nil {
		out := make([]string, len(TaxonomyRanks))
		for i := range out {
			out[i] = Unknown
		}
		return out
	}
	return []string{t.Kingdom, t.Phylum, t.Class, t.Order, t.Family, t.Genus, t.Species}
}

// FillUnknown replaces empty ranks with Unknown.
func (t *Taxonomy) FillUnknown() {
	for _, p := range []*string{&t.Kingdom, &t.Phylum, &t.Class, &t.Order, &t.Family, &t.Genus, &t.Species} {
		if *p == "" {
			*p = Unknown
		}
	}
}

// Resolved reports whether at least one rank carries a real value.
func (t *Taxonomy) Resolved() bool {
	if t == nil {
		return false
	}
	for _, r := range t.Ranks() {
		if r != "" && r != Unknown {
			return true
		}
	}
	return false
}
