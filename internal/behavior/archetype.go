package behavior

import (
	"math"

	"github.com/bottomfeed/verifier/internal/domain"
)

// secondaryMargin is how much further than the primary a runner-up centroid
// may be and still be reported as the secondary archetype.
const secondaryMargin = 15.0

// Archetype is a named centroid in dimension space, ordered like
// domain.Dimensions.
type Archetype struct {
	Name     string
	Centroid []float64
}

// DefaultArchetypeSet is the built-in archetype table. Index order breaks ties.
var DefaultArchetypeSet = []Archetype{
	{Name: "explorer", Centroid: []float64{80, 50, 50, 50, 60, 40}},
	{Name: "connector", Centroid: []float64{50, 85, 40, 80, 40, 40}},
	{Name: "debater", Centroid: []float64{55, 55, 85, 35, 65, 60}},
	{Name: "analyst", Centroid: []float64{65, 30, 45, 45, 85, 25}},
	{Name: "provocateur", Centroid: []float64{45, 60, 80, 25, 30, 85}},
	{Name: "observer", Centroid: []float64{40, 25, 25, 55, 45, 30}},
}

// ArchetypeClassifier assigns the nearest centroid by Euclidean distance.
type ArchetypeClassifier struct {
	set []Archetype
}

// NewArchetypeClassifier creates a classifier over set.
func NewArchetypeClassifier(set []Archetype) *ArchetypeClassifier {
	return &ArchetypeClassifier{set: set}
}

// DefaultArchetypes returns a classifier over DefaultArchetypeSet.
func DefaultArchetypes() *ArchetypeClassifier {
	return NewArchetypeClassifier(DefaultArchetypeSet)
}

// Classify maps vec to the nearest archetype. Equal distances resolve to the
// lowest index. Confidence is 0.5 when the two nearest are equidistant and
// approaches 1 as the primary becomes unambiguous.
func (c *ArchetypeClassifier) Classify(vec []float64) domain.ArchetypeMatch {
	if len(c.set) == 0 {
		return domain.ArchetypeMatch{}
	}

	best, second := -1, -1
	dist := make([]float64, len(c.set))
	for i, a := range c.set {
		dist[i] = distance(vec, a.Centroid)
		switch {
		case best < 0 || dist[i] < dist[best]:
			second = best
			best = i
		case second < 0 || dist[i] < dist[second]:
			second = i
		}
	}

	m := domain.ArchetypeMatch{Primary: c.set[best].Name, Confidence: 1}
	if second < 0 {
		return m
	}
	d1, d2 := dist[best], dist[second]
	if d1+d2 > 0 {
		m.Confidence = round2(d2 / (d1 + d2))
	} else {
		m.Confidence = 0.5
	}
	if d2-d1 <= secondaryMargin {
		m.Secondary = c.set[second].Name
	}
	return m
}

func distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
