// Package extract rewrites user queries and pulls out the entities a
// retrieval pass can act on. The language model is the primary
// extractor; a deterministic regex path backs it so analysis never
// fails outright.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/quorralabs/tabula/internal/engine"
)

// Intent classifies what the asker wants done with the evidence.
type Intent string

const (
	IntentLookup    Intent = "lookup"
	IntentCompare   Intent = "compare"
	IntentCalculate Intent = "calculate"
	IntentVerify    Intent = "verify"
	IntentSummarize Intent = "summarize"
)

// Entities are the typed values extracted from a query.
type Entities struct {
	Dates          []string `json:"dates,omitempty"`
	Locations      []string `json:"locations,omitempty"`
	Numbers        []string `json:"numbers,omitempty"`
	DocumentTypes  []string `json:"document_types,omitempty"`
	DomainKeywords []string `json:"domain_keywords,omitempty"`
	AgeRanges      []string `json:"age_ranges,omitempty"`
}

// QueryAnalysis is the extractor's output for one query.
type QueryAnalysis struct {
	RewrittenQuery string   `json:"rewritten_query"`
	Entities       Entities `json:"entities"`
	Intent         Intent   `json:"intent"`
}

// Analyzer wraps the model call with the regex fallback.
type Analyzer struct {
	llm    engine.LLMProvider
	logger *log.Logger
}

func NewAnalyzer(llm engine.LLMProvider, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	return &Analyzer{llm: llm, logger: logger}
}

const analyzePrompt = `You rewrite search queries and extract entities.
Given the user query and recent conversation, respond with ONLY a JSON object:
{"rewritten_query": "...", "entities": {"dates": [], "locations": [], "numbers": [], "document_types": [], "domain_keywords": [], "age_ranges": []}, "intent": "lookup|compare|calculate|verify|summarize"}
Resolve pronouns and follow-up references using the conversation. Keep the rewritten query self-contained.`

// Analyze produces a QueryAnalysis for the query. Provider errors and
// malformed model output degrade to the regex extractor; this method
// never returns an error.
func (a *Analyzer) Analyze(ctx context.Context, query string, history []engine.Message) QueryAnalysis {
	if a.llm != nil {
		if qa, err := a.analyzeLLM(ctx, query, history); err == nil {
			return qa
		} else {
			a.logger.Printf("structured extraction failed, using fallback: %v", err)
		}
	}
	return Fallback(query)
}

func (a *Analyzer) analyzeLLM(ctx context.Context, query string, history []engine.Message) (QueryAnalysis, error) {
	messages := []engine.Message{{Role: "system", Content: analyzePrompt}}
	if n := len(history); n > 0 {
		start := n - 5
		if start < 0 {
			start = 0
		}
		messages = append(messages, history[start:]...)
	}
	messages = append(messages, engine.Message{Role: "user", Content: query})

	raw, err := a.llm.Complete(ctx, messages)
	if err != nil {
		return QueryAnalysis{}, fmt.Errorf("completion: %w", err)
	}
	var qa QueryAnalysis
	if err := json.Unmarshal([]byte(stripFence(raw)), &qa); err != nil {
		return QueryAnalysis{}, fmt.Errorf("decoding analysis: %w", err)
	}
	if strings.TrimSpace(qa.RewrittenQuery) == "" {
		qa.RewrittenQuery = query
	}
	switch qa.Intent {
	case IntentLookup, IntentCompare, IntentCalculate, IntentVerify, IntentSummarize:
	default:
		qa.Intent = IntentLookup
	}
	return qa, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

var (
	isoDatePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	ukDatePattern    = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	yearPattern      = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	numberPattern    = regexp.MustCompile(`£?\d+(?:,\d{3})*(?:\.\d+)?`)
	ageRangePattern  = regexp.MustCompile(`\b(\d{1,2})\s*(?:-|to)\s*(\d{1,2})\s*(?:year|yr)?s?\b`)
	ageSinglePattern = regexp.MustCompile(`\b(\d{1,2})\s*(?:year|yr)s?[\s-]*old\b`)
)

var domainKeywords = []string{
	"fee", "fees", "rate", "rates", "allowance", "payment", "weekly",
	"placement", "fostering", "foster", "tariff", "charge", "cost",
}

var documentTypeKeywords = []string{
	"policy", "contract", "agreement", "schedule", "spreadsheet", "invoice", "report",
}

// Fallback is the deterministic extractor used when the model path is
// unavailable. It always returns a usable analysis with Intent=lookup.
func Fallback(query string) QueryAnalysis {
	qa := QueryAnalysis{RewrittenQuery: strings.TrimSpace(query), Intent: IntentLookup}
	lower := strings.ToLower(query)

	qa.Entities.Dates = append(qa.Entities.Dates, isoDatePattern.FindAllString(query, -1)...)
	qa.Entities.Dates = append(qa.Entities.Dates, ukDatePattern.FindAllString(query, -1)...)
	qa.Entities.Dates = append(qa.Entities.Dates, yearPattern.FindAllString(query, -1)...)
	qa.Entities.Numbers = numberPattern.FindAllString(query, -1)

	for _, kw := range domainKeywords {
		if strings.Contains(lower, kw) {
			qa.Entities.DomainKeywords = append(qa.Entities.DomainKeywords, kw)
		}
	}
	for _, kw := range documentTypeKeywords {
		if strings.Contains(lower, kw) {
			qa.Entities.DocumentTypes = append(qa.Entities.DocumentTypes, kw)
		}
	}
	if bands := AgeBands(query); len(bands) > 0 {
		qa.Entities.AgeRanges = bands
	}
	if loc := titleCaseSpans(query); len(loc) > 0 {
		qa.Entities.Locations = loc
	}
	return qa
}

// ageBands maps a single age onto the standard fee-band boundaries.
var ageBands = []struct {
	lo, hi int
	band   string
}{
	{0, 4, "0-4"},
	{5, 10, "5-10"},
	{11, 15, "11-15"},
	{16, 17, "16-17"},
}

// AgeBands extracts age references from text and maps them onto the
// standard bands.
func AgeBands(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(band string) {
		if band == "" {
			return
		}
		if _, ok := seen[band]; !ok {
			seen[band] = struct{}{}
			out = append(out, band)
		}
	}
	for _, m := range ageSinglePattern.FindAllStringSubmatch(text, -1) {
		if age, err := strconv.Atoi(m[1]); err == nil {
			add(BandForAge(age))
		}
	}
	for _, m := range ageRangePattern.FindAllStringSubmatch(text, -1) {
		lo, err1 := strconv.Atoi(m[1])
		hi, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		add(BandForAge(lo))
		add(BandForAge(hi))
	}
	return out
}

// BandForAge returns the fee band covering an age, or "" when the age
// falls outside every band.
func BandForAge(age int) string {
	for _, b := range ageBands {
		if age >= b.lo && age <= b.hi {
			return b.band
		}
	}
	return ""
}

var locationStopwords = map[string]struct{}{
	"what": {}, "whats": {}, "how": {}, "when": {}, "where": {}, "who": {},
	"the": {}, "is": {}, "are": {}, "for": {}, "in": {}, "of": {}, "and": {},
	"standard": {}, "solo": {}, "enhanced": {}, "complex": {}, "core": {},
	"weekly": {}, "fee": {}, "fees": {}, "rate": {}, "rates": {}, "i": {},
	"can": {}, "you": {}, "tell": {}, "me": {}, "show": {}, "please": {},
}

// titleCaseSpans finds runs of Title-Case words that look like place or
// organisation names.
func titleCaseSpans(query string) []string {
	words := strings.Fields(query)
	var out []string
	var run []string
	flush := func() {
		if len(run) > 0 {
			out = append(out, strings.Join(run, " "))
			run = nil
		}
	}
	for i, w := range words {
		clean := strings.Trim(w, ".,!?;:'\"()")
		lower := strings.ToLower(clean)
		_, stop := locationStopwords[lower]
		if clean == "" || stop || !startsUpper(clean) || i == 0 {
			// The leading word of a question is capitalized by
			// convention, not because it names anything.
			flush()
			continue
		}
		run = append(run, clean)
	}
	flush()
	return out
}

func startsUpper(s string) bool {
	r := []rune(s)
	return len(r) > 0 && r[0] >= 'A' && r[0] <= 'Z'
}
