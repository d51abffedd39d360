package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/groupwarden/groupwarden/internal/metrics"
	"github.com/rs/zerolog"
)

// MatchMode selects between substring and word-boundary keyword matching.
type MatchMode string

const (
	MatchPartial   MatchMode = "PARTIAL"
	MatchWholeWord MatchMode = "WHOLE_WORD"
)

// ParsedRule is the normalised, pre-compiled form of a Rule's config.
// Values returned by the parser are shared across callers and must never be
// mutated; edits to the underlying rule produce a different cache key and a
// wholesale re-parse.
type ParsedRule struct {
	Keywords  []string
	Whitelist []string // free-text phrases that suppress a keyword hit

	WhitelistedUserIDs  map[string]struct{}
	WhitelistedGroupIDs map[string]struct{}

	ScanBio      bool
	ScanStatus   bool
	ScanPronouns bool
	ScanGroups   bool

	MatchMode MatchMode
	// Patterns is parallel to Keywords in WHOLE_WORD mode; nil otherwise.
	Patterns []*regexp.Regexp

	// TRUST_CHECK
	MinTrust    TrustRank
	HasMinTrust bool

	// BLACKLISTED_GROUPS
	BlacklistedGroupIDs map[string]struct{}

	// INSTANCE_18_GUARD / CLOSE_ALL_INSTANCES
	WhitelistedWorlds map[string]struct{}
	BlacklistedWorlds map[string]struct{}
}

// Parser converts rules into ParsedRules behind a content-addressed cache:
// the key includes the raw config string, so any edit invalidates by virtue
// of a different key. Entries expire after the TTL or fall out by LRU.
type Parser struct {
	cache *lru.LRU[string, *ParsedRule]
	log   zerolog.Logger
}

// NewParser builds a Parser with the given cache bounds.
func NewParser(size int, ttl time.Duration, log zerolog.Logger) *Parser {
	if size <= 0 {
		size = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Parser{
		cache: lru.NewLRU[string, *ParsedRule](size, nil, ttl),
		log:   log,
	}
}

// Parse returns the normalised form of rule, deterministic for a given
// (ID, Config) pair. Parsing never fails: malformed config degrades to the
// safest interpretation for the rule type.
func (p *Parser) Parse(rule Rule) *ParsedRule {
	key := fmt.Sprintf("%d:%s", rule.ID, rule.Config)
	if cached, ok := p.cache.Get(key); ok {
		metrics.RuleCacheHits.Inc()
		return cached
	}
	metrics.RuleCacheMisses.Inc()

	parsed := p.parse(rule)
	p.cache.Add(key, parsed)
	return parsed
}

func (p *Parser) parse(rule Rule) *ParsedRule {
	pr := &ParsedRule{
		ScanBio:             true,
		ScanStatus:          true,
		MatchMode:           MatchPartial,
		WhitelistedUserIDs:  toSet(rule.WhitelistedUserIDs),
		WhitelistedGroupIDs: toSet(rule.WhitelistedGroupIDs),
	}

	switch rule.Type {
	case KeywordBlock:
		p.parseKeywordConfig(rule.Config, pr)
		if pr.MatchMode == MatchWholeWord {
			pr.Patterns = p.compilePatterns(pr.Keywords)
		}
	case TrustCheck:
		pr.MinTrust, pr.HasMinTrust = parseTrustConfig(rule.Config)
	case BlacklistedGroups:
		pr.BlacklistedGroupIDs = toSet(parseIDListConfig(rule.Config, "groupIds"))
	case Instance18Guard, CloseAllInstances:
		pr.WhitelistedWorlds, pr.BlacklistedWorlds = parseWorldConfig(rule.Config)
	}
	return pr
}

// keywordConfig is the canonical KEYWORD_BLOCK config shape. Scan flags are
// pointers so that absent fields keep their defaults (bio/status on,
// pronouns/groups off).
type keywordConfig struct {
	Keywords            []string `json:"keywords"`
	Whitelist           []string `json:"whitelist"`
	ScanBio             *bool    `json:"scanBio"`
	ScanStatus          *bool    `json:"scanStatus"`
	ScanPronouns        *bool    `json:"scanPronouns"`
	ScanGroups          *bool    `json:"scanGroups"`
	MatchMode           string   `json:"matchMode"`
	WhitelistedUserIDs  []string `json:"whitelistedUserIds"`
	WhitelistedGroupIDs []string `json:"whitelistedGroupIds"`
}

// parseKeywordConfig tolerates four shapes, tried in priority order:
// a full config object, a bare keyword array, a bare string, and finally
// anything unparseable, which becomes a single-keyword list from the raw
// string (or nothing when the config is empty).
func (p *Parser) parseKeywordConfig(raw string, pr *ParsedRule) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return
	}

	var obj keywordConfig
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && strings.HasPrefix(trimmed, "{") {
		pr.Keywords = cleanList(obj.Keywords)
		pr.Whitelist = cleanList(obj.Whitelist)
		if obj.ScanBio != nil {
			pr.ScanBio = *obj.ScanBio
		}
		if obj.ScanStatus != nil {
			pr.ScanStatus = *obj.ScanStatus
		}
		if obj.ScanPronouns != nil {
			pr.ScanPronouns = *obj.ScanPronouns
		}
		if obj.ScanGroups != nil {
			pr.ScanGroups = *obj.ScanGroups
		}
		if strings.EqualFold(obj.MatchMode, string(MatchWholeWord)) {
			pr.MatchMode = MatchWholeWord
		}
		// Config-level whitelists merge with the rule-level ones.
		for _, id := range obj.WhitelistedUserIDs {
			pr.WhitelistedUserIDs[id] = struct{}{}
		}
		for _, id := range obj.WhitelistedGroupIDs {
			pr.WhitelistedGroupIDs[id] = struct{}{}
		}
		return
	}

	var list []string
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		pr.Keywords = cleanList(list)
		return
	}

	var single string
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
		pr.Keywords = cleanList([]string{single})
		return
	}

	p.log.Warn().Str("config", raw).Msg("unparseable keyword config, treating raw string as keyword")
	pr.Keywords = []string{trimmed}
}

// compilePatterns builds one case-insensitive word-boundary pattern per
// keyword. Metacharacters are escaped before compiling; a keyword whose
// pattern still fails to compile falls back to a literal escaped pattern
// rather than aborting the rule.
func (p *Parser) compilePatterns(keywords []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(keywords))
	for i, kw := range keywords {
		compiled, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		if err != nil {
			p.log.Warn().Str("keyword", kw).Err(err).Msg("word-boundary pattern failed, using literal")
			compiled, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(kw))
			if err != nil {
				// QuoteMeta output always compiles; guard anyway.
				p.log.Error().Str("keyword", kw).Err(err).Msg("keyword pattern unusable, skipping")
				continue
			}
		}
		patterns[i] = compiled
	}
	return patterns
}

// parseTrustConfig accepts {"minTrustLevel":...}, the legacy
// {"trustLevel":...}, or a raw rank string.
func parseTrustConfig(raw string) (TrustRank, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TrustVisitor, false
	}

	var obj struct {
		MinTrustLevel string `json:"minTrustLevel"`
		TrustLevel    string `json:"trustLevel"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if obj.MinTrustLevel != "" {
			return ParseTrustRank(obj.MinTrustLevel)
		}
		if obj.TrustLevel != "" {
			return ParseTrustRank(obj.TrustLevel)
		}
	}

	var single string
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
		return ParseTrustRank(single)
	}
	return ParseTrustRank(trimmed)
}

// parseIDListConfig accepts {"<field>":[...]}, a bare array, or a bare string.
func parseIDListConfig(raw, field string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if inner, ok := obj[field]; ok {
			var list []string
			if err := json.Unmarshal(inner, &list); err == nil {
				return cleanList(list)
			}
		}
		return nil
	}

	var list []string
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		return cleanList(list)
	}

	var single string
	if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
		return cleanList([]string{single})
	}
	return []string{trimmed}
}

func parseWorldConfig(raw string) (whitelisted, blacklisted map[string]struct{}) {
	var obj struct {
		WhitelistedWorlds []string `json:"whitelistedWorlds"`
		BlacklistedWorlds []string `json:"blacklistedWorlds"`
	}
	_ = json.Unmarshal([]byte(raw), &obj)
	return toSet(obj.WhitelistedWorlds), toSet(obj.BlacklistedWorlds)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if trimmed := strings.TrimSpace(it); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
