package judge

import (
	"sort"

	"github.com/signalnine/minidani/internal/config"
)

type Criterion struct {
	Name   string `json:"criterion"`
	Weight int    `json:"weight"`
}

// Rubric is ordered by priority: on equal composites the competitor with
// the higher score on the earlier criterion wins.
type Rubric []Criterion

func FromConfig(rc []config.RubricCriterion) Rubric {
	r := make(Rubric, 0, len(rc))
	for _, c := range rc {
		r = append(r, Criterion{Name: c.Criterion, Weight: c.Weight})
	}
	return r
}

func (r Rubric) Has(name string) bool {
	for _, c := range r {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Apportion splits composite across the criteria in proportion to
// ratings[c]*weight(c), so the parts always sum to composite. Criteria
// without a rating count as fully rated. Remainders go to the largest
// fractions first, then to earlier criteria.
func (r Rubric) Apportion(composite int, ratings map[string]int) map[string]int {
	out := make(map[string]int, len(r))
	if len(r) == 0 {
		return out
	}
	shares := make([]int, len(r))
	total := 0
	for i, c := range r {
		rating := 100
		if v, ok := ratings[c.Name]; ok {
			rating = v
		}
		shares[i] = rating * c.Weight
		total += shares[i]
	}
	if total == 0 {
		for i, c := range r {
			shares[i] = c.Weight
			total += c.Weight
		}
	}

	type rem struct {
		idx  int
		frac int
	}
	rems := make([]rem, len(r))
	assigned := 0
	for i, c := range r {
		part := composite * shares[i] / total
		out[c.Name] = part
		assigned += part
		rems[i] = rem{idx: i, frac: composite * shares[i] % total}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for i := 0; assigned < composite; i = (i + 1) % len(rems) {
		out[r[rems[i].idx].Name]++
		assigned++
	}
	return out
}

// better reports whether a outranks b on the rubric's criterion priority.
// It returns false when they are equal on every criterion.
func (r Rubric) better(a, b map[string]int) bool {
	for _, c := range r {
		if a[c.Name] != b[c.Name] {
			return a[c.Name] > b[c.Name]
		}
	}
	return false
}
