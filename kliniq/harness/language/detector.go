// Package language classifies utterances into the supported conversation languages.
package language

import (
	"strings"
	"unicode"

	"github.com/armon/go-radix"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gonum.org/v1/gonum/floats"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// Combining marks and letters that carry language evidence on their own.
const (
	dotBelow  = '\u0323'
	dotAbove  = '\u0307'
	toneGrave = '\u0300'
	toneAcute = '\u0301'
	toneMacr  = '\u0304'

	uniqueMarkWeight = 1.5
	sharedMarkWeight = 0.75
	toneWeight       = 0.25
)

var hausaHooked = map[rune]bool{'ɓ': true, 'ɗ': true, 'ƙ': true, 'ƴ': true}

// Detection is the outcome of classifying one utterance.
type Detection struct {
	Language   ports.Language
	Confidence float64                    // share of the winning language, 0 when nothing matched
	Scores     map[ports.Language]float64 // normalised per language
}

// Resolution is the language a turn is handled in.
type Resolution struct {
	Language   ports.Language
	Detected   ports.Language
	Confidence float64
	FellBack   bool // confidence was below threshold
}

// Detector scores text against marker lexicons and diacritic evidence.
// It holds no mutable state and is safe for concurrent use.
type Detector struct {
	threshold float64
	fallback  ports.Language
	lexicons  map[ports.Language]*radix.Tree
}

// NewDetector creates a detector. fallback is used when confidence is below
// threshold and the conversation has no preference.
func NewDetector(threshold float64, fallback ports.Language) *Detector {
	if !fallback.Valid() {
		fallback = ports.LanguageEnglish
	}
	return &Detector{
		threshold: threshold,
		fallback:  fallback,
		lexicons:  buildLexicons(),
	}
}

// Threshold returns the configured confidence threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// Detect classifies text. Identical input always yields an identical result.
func (d *Detector) Detect(text string) Detection {
	langs := ports.SupportedLanguages
	raw := make([]float64, len(langs))
	index := make(map[ports.Language]int, len(langs))
	for i, l := range langs {
		index[l] = i
	}

	decomposed := norm.NFD.String(strings.ToLower(text))
	addMarkEvidence(decomposed, raw, index)

	for _, tok := range tokenize(decomposed) {
		for i, l := range langs {
			raw[i] += lookup(d.lexicons[l], tok)
		}
	}

	scores := make(map[ports.Language]float64, len(langs))
	total := floats.Sum(raw)
	if total == 0 {
		for _, l := range langs {
			scores[l] = 0
		}
		return Detection{Language: d.fallback, Confidence: 0, Scores: scores}
	}

	floats.Scale(1/total, raw)
	best := floats.MaxIdx(raw)
	for i, l := range langs {
		scores[l] = raw[i]
	}
	return Detection{Language: langs[best], Confidence: raw[best], Scores: scores}
}

// Resolve picks the language for a turn. Low-confidence detections defer to
// the stored preference, then to the fallback. The preference itself is never changed.
func (d *Detector) Resolve(text string, preference ports.Language) Resolution {
	det := d.Detect(text)
	if det.Confidence >= d.threshold && det.Confidence > 0 {
		return Resolution{Language: det.Language, Detected: det.Language, Confidence: det.Confidence}
	}

	lang := d.fallback
	if preference.Valid() {
		lang = preference
	}
	return Resolution{Language: lang, Detected: det.Language, Confidence: det.Confidence, FellBack: true}
}

// addMarkEvidence scores diacritics in NFD text.
func addMarkEvidence(s string, raw []float64, index map[ports.Language]int) {
	var prev rune
	for _, r := range s {
		switch {
		case hausaHooked[r]:
			raw[index[ports.LanguageHausa]] += uniqueMarkWeight
		case r == dotBelow:
			switch prev {
			case 'e', 's':
				raw[index[ports.LanguageYoruba]] += uniqueMarkWeight
			case 'i', 'u':
				raw[index[ports.LanguageIgbo]] += uniqueMarkWeight
			case 'o':
				raw[index[ports.LanguageYoruba]] += sharedMarkWeight
				raw[index[ports.LanguageIgbo]] += sharedMarkWeight
			}
		case r == dotAbove && prev == 'n':
			raw[index[ports.LanguageIgbo]] += uniqueMarkWeight
		case r == toneGrave || r == toneAcute || r == toneMacr:
			raw[index[ports.LanguageYoruba]] += toneWeight
			raw[index[ports.LanguageIgbo]] += toneWeight
		}
		if !unicode.Is(unicode.Mn, r) {
			prev = r
		}
	}
}

// tokenize splits NFD text into lowercase words with combining marks removed.
func tokenize(decomposed string) []string {
	// Chained transformers keep state, so each call builds its own.
	fold := transform.Chain(runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, decomposed)
	if err != nil {
		folded = decomposed
	}
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}
