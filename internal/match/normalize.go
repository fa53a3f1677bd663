package match

import (
	"strings"
)

// aliasTable expands venue-specific shorthand so titles from different venues
// normalize to the same tokens. Bounded and static: teams, leagues, crypto
// tickers, org acronyms, month abbreviations.
var aliasTable = map[string]string{
	// NBA
	"lal": "lakers", "bos": "celtics", "gsw": "warriors", "nyk": "knicks",
	"mia": "heat", "phi": "76ers", "mil": "bucks", "den": "nuggets",
	// NFL
	"kc": "chiefs", "sf": "49ers", "ne": "patriots", "gb": "packers",
	"dal": "cowboys", "buf": "bills",
	// Soccer
	"utd": "united", "ars": "arsenal", "che": "chelsea", "liv": "liverpool",
	"mci": "manchester city", "tot": "tottenham",
	// Leagues
	"epl": "premier league", "ucl": "champions league",
	// Crypto tickers
	"btc": "bitcoin", "eth": "ethereum", "sol": "solana", "xrp": "ripple",
	// Orgs
	"fed": "federal reserve", "ecb": "european central bank",
	"boe": "bank of england", "scotus": "supreme court",
	// Months
	"jan": "january", "feb": "february", "mar": "march", "apr": "april",
	"jun": "june", "jul": "july", "aug": "august", "sep": "september",
	"sept": "september", "oct": "october", "nov": "november", "dec": "december",
}

// Normalize lowercases a title, strips punctuation that carries no meaning,
// collapses whitespace, and expands known aliases. Characters needed for
// feature extraction survive: team delimiters (@), date separators (/ -),
// decimals (.), and unit markers ($ % °).
func Normalize(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '@' || r == '/' || r == '-' || r == '.' || r == '$' || r == '%' || r == '°':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".") // "vs." -> "vs"; decimals keep inner dots
		if tok == "" {
			continue
		}
		if expanded, ok := aliasTable[tok]; ok {
			out = append(out, strings.Fields(expanded)...)
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}
