// Package dedup filters noisy speech-to-text output: transcription
// hallucinations, repeated utterances, and cross-channel echo.
package dedup

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sellside/coachd/internal/domain"
)

const (
	// WindowMillis is the horizon of the rolling recent-utterance window.
	// Entries older than this are pruned before each comparison.
	WindowMillis = 8000

	// minAlphaChars is the minimum alphabetic rune count for real speech.
	minAlphaChars = 5

	// jaccardThreshold is the word-set similarity above which two
	// utterances are treated as the same speech.
	jaccardThreshold = 0.5
)

// Reason classifies why an utterance was discarded.
type Reason string

const (
	ReasonDuplicate Reason = "duplicate" // same role repeated itself
	ReasonLeakage   Reason = "leakage"   // lead's voice leaked into the seller mic
	ReasonEcho      Reason = "echo"      // seller echoed into the lead channel
)

// hallucinationPatterns are known speech-to-text artifacts: subtitle
// credits, channel boilerplate, and pure punctuation or note runs.
var hallucinationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)legendas?\s+(pela|por)\s+comunidade`),
	regexp.MustCompile(`(?i)amara\.org`),
	regexp.MustCompile(`(?i)obrigad[oa]\s+por\s+assistir`),
	regexp.MustCompile(`(?i)acesse\s+o\s+site`),
	regexp.MustCompile(`(?i)www\.\w+\.org`),
	regexp.MustCompile(`(?i)inscreva-se`),
	regexp.MustCompile(`(?i)like\s+and\s+subscribe`),
	regexp.MustCompile(`(?i)\bsubscribe\b`),
	regexp.MustCompile(`(?i)thanks?\s+for\s+watching`),
	regexp.MustCompile(`(?i)subtitles?\s+by`),
	regexp.MustCompile(`(?i)translated\s+by`),
	regexp.MustCompile(`♪|♫|🎵`),
	regexp.MustCompile(`^\s*\.+\s*$`),
	regexp.MustCompile(`^\s*,+\s*$`),
	regexp.MustCompile(`(?i)^(tchau[,.\s]*)+$`),
}

// IsHallucination reports whether text looks like a transcription artifact
// rather than real speech.
func IsHallucination(text string) bool {
	trimmed := strings.TrimSpace(text)

	alpha := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	if alpha < minAlphaChars {
		return true
	}

	for _, p := range hallucinationPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}

	return isRepeatedPhrase(trimmed)
}

// ShouldDiscard decides whether an utterance is a duplicate or an echo of
// something already heard within the window. On no match the utterance is
// appended to the session's rolling window and accepted.
func ShouldDiscard(text string, role domain.Role, now int64, s *domain.CallSession) (bool, Reason) {
	pruneWindow(s, now)

	normalized := Normalize(text)
	for _, entry := range s.RecentTranscriptions {
		if !textsMatch(normalized, Normalize(entry.Text)) {
			continue
		}
		if entry.Role == role {
			return true, ReasonDuplicate
		}
		if role == domain.RoleSeller {
			return true, ReasonLeakage
		}
		return true, ReasonEcho
	}

	s.RecentTranscriptions = append(s.RecentTranscriptions, domain.RecentUtterance{
		Text:      text,
		Role:      role,
		Timestamp: now,
	})
	return false, ""
}

// pruneWindow drops window entries older than WindowMillis.
func pruneWindow(s *domain.CallSession, now int64) {
	kept := s.RecentTranscriptions[:0]
	for _, e := range s.RecentTranscriptions {
		if now-e.Timestamp <= WindowMillis {
			kept = append(kept, e)
		}
	}
	s.RecentTranscriptions = kept
}

// Normalize lowercases, strips punctuation, and collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// textsMatch reports whether two normalized utterances are the same speech:
// equal, one contains the other, or word-set Jaccard similarity above the
// threshold.
func textsMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return jaccard(wordSet(a), wordSet(b)) > jaccardThreshold
}

// wordSet returns the set of words longer than one rune.
func wordSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		if len([]rune(w)) > 1 {
			set[w] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// isRepeatedPhrase detects a short phrase repeated three or more times,
// a common stuck-decoder artifact. Go's regexp has no backreferences, so
// this is done on the word level.
func isRepeatedPhrase(text string) bool {
	words := strings.Fields(Normalize(text))
	if len(words) < 3 {
		return false
	}
	for plen := 1; plen <= 3 && plen*3 <= len(words); plen++ {
		if len(words)%plen != 0 {
			continue
		}
		phrase := strings.Join(words[:plen], " ")
		if len(phrase) > 15 {
			continue
		}
		repeated := true
		for i := plen; i < len(words); i += plen {
			if strings.Join(words[i:i+plen], " ") != phrase {
				repeated = false
				break
			}
		}
		if repeated {
			return true
		}
	}
	return false
}
