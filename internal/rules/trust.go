package rules

import "strings"

// TrustRank is VRChat's tiered reputation level, encoded as an explicit
// ordinal so rank comparisons are a plain < on integers.
type TrustRank int

const (
	TrustVisitor TrustRank = iota
	TrustBasic
	TrustKnown
	TrustTrusted
	TrustVeteran
	TrustLegend
)

// String returns the lowercase rank name.
func (r TrustRank) String() string {
	switch r {
	case TrustVisitor:
		return "visitor"
	case TrustBasic:
		return "basic"
	case TrustKnown:
		return "known"
	case TrustTrusted:
		return "trusted"
	case TrustVeteran:
		return "veteran"
	case TrustLegend:
		return "legend"
	}
	return "unknown"
}

// ParseTrustRank maps a rank name (case-insensitive) to its ordinal.
func ParseTrustRank(s string) (TrustRank, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "visitor":
		return TrustVisitor, true
	case "basic", "user":
		return TrustBasic, true
	case "known":
		return TrustKnown, true
	case "trusted":
		return TrustTrusted, true
	case "veteran":
		return TrustVeteran, true
	case "legend":
		return TrustLegend, true
	}
	return TrustVisitor, false
}

// trust system tags, lowest to highest
var trustTags = map[string]TrustRank{
	"system_trust_basic":   TrustBasic,
	"system_trust_known":   TrustKnown,
	"system_trust_trusted": TrustTrusted,
	"system_trust_veteran": TrustVeteran,
	"system_trust_legend":  TrustLegend,
}

// RankFromTags derives the highest trust rank present in tags. A user with
// tags but no trust tag is a Visitor. ok is false only when tags is empty,
// which callers treat as indeterminate rather than a violation.
func RankFromTags(tags []string) (TrustRank, bool) {
	if len(tags) == 0 {
		return TrustVisitor, false
	}
	rank := TrustVisitor
	for _, tag := range tags {
		if r, found := trustTags[tag]; found && r > rank {
			rank = r
		}
	}
	return rank, true
}
