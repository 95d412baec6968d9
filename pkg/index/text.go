package index

import (
	"math"
	"slices"
	"sort"
	"strings"
	"unicode"
)

// tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// termFrequencies counts the terms of a document built from its properties
// and content.
func termFrequencies(properties map[string]string, content string) map[string]int {
	tf := make(map[string]int)
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, term := range tokenize(properties[k]) {
			tf[term]++
		}
	}
	for _, term := range tokenize(content) {
		tf[term]++
	}
	return tf
}

// score is TF-IDF summed over the query terms.
func score(tf map[string]int, terms []string, docFreq map[string]int, totalDocs int) float64 {
	s := 0.0
	for _, term := range terms {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		idf := 1.0
		if df := docFreq[term]; df > 0 && totalDocs > 0 {
			idf = math.Log(float64(totalDocs+1) / float64(df+1))
		}
		s += f * (1 + idf)
	}
	return s
}

func rank(hits []Hit, limit int) []Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].NodeID < hits[j].NodeID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
