package language

import (
	"github.com/armon/go-radix"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

const (
	wordWeight = 1.0
	stemWeight = 0.75
	minStemLen = 4
)

// marker is a lexicon entry. Stems match any token they prefix.
type marker struct {
	weight float64
	stem   bool
}

// Marker words are stored with diacritics folded away, matching how tokens
// are looked up. Stems end in '*'.
var markerWords = map[ports.Language][]string{
	ports.LanguageEnglish: {
		"the", "and", "i", "have", "has", "a", "an", "is", "am", "are", "was", "my", "me",
		"you", "your", "it", "to", "of", "in", "on", "for", "with", "this", "that", "what",
		"how", "when", "why", "can", "should", "do", "does", "not", "but", "since", "been",
		"hello", "hi", "please", "thank", "thanks", "help", "need", "feel", "feeling",
		"pain", "doctor", "fever", "headache", "stomach", "cough", "days", "today", "yesterday",
		"appoint*", "symptom*", "medic*", "hospit*", "breath*", "vomit*", "dizz*",
	},
	ports.LanguageHausa: {
		"sannu", "ina", "kwana", "yaya", "lafiya", "ciwon", "kai", "jin", "ne", "ce", "ba",
		"yana", "tana", "wannan", "kuma", "don", "allah", "likita", "asibiti", "magani",
		"sosai", "akwai", "gode", "nagode", "shi", "ita", "su", "kake", "kike", "yau", "jiya",
		"gobe", "jini", "amma", "shin", "menene", "zan", "ciki", "mai", "dan", "ɗan", "kafa",
		"zazzabi", "tari", "amai", "zawo",
		"zazza*", "asibit*", "magun*",
	},
	ports.LanguageIgbo: {
		"kedu", "ndewo", "nno", "biko", "daalu", "dalu", "m", "adi", "na", "nke", "ahu",
		"isi", "afo", "oria", "dibia", "ulo", "ogwu", "ugbu", "gi", "unu", "anyi", "bu",
		"ihe", "mana", "maka", "ufodu", "onwe", "ututu", "abali", "taa", "echi", "nyere",
		"aka", "enwere", "enweghi", "nwere", "awa", "owuwa", "ahuhu", "kwa", "obi",
		"okpomoku", "uzo",
		"mgbu*", "enwe*",
	},
	ports.LanguageYoruba: {
		"bawo", "ni", "se", "e", "kaabo", "ku", "aaro", "osan", "ale", "ori", "mi", "fun",
		"ati", "pe", "jo", "wa", "won", "ko", "si", "ti", "iba", "inu", "ara", "dokita",
		"ile", "iwosan", "mo", "dupe", "oogun", "lana", "ola", "loni", "daadaa", "dada",
		"sugbon", "kini", "lo", "fo", "n", "emi", "iwo", "ikun", "eyin", "nkan",
		"iwosa*", "oogu*",
	},
}

// buildLexicons indexes marker words per language in radix trees.
func buildLexicons() map[ports.Language]*radix.Tree {
	out := make(map[ports.Language]*radix.Tree, len(markerWords))
	for lang, words := range markerWords {
		t := radix.New()
		for _, w := range words {
			if n := len(w); n > 1 && w[n-1] == '*' {
				t.Insert(w[:n-1], marker{weight: stemWeight, stem: true})
				continue
			}
			t.Insert(w, marker{weight: wordWeight})
		}
		out[lang] = t
	}
	return out
}

// lookup scores one folded token against a lexicon.
func lookup(t *radix.Tree, token string) float64 {
	if v, ok := t.Get(token); ok {
		return v.(marker).weight
	}
	prefix, v, ok := t.LongestPrefix(token)
	if !ok {
		return 0
	}
	m := v.(marker)
	if !m.stem || len(prefix) < minStemLen {
		return 0
	}
	return m.weight
}
