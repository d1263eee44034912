// Package contextpack assembles the bounded knowledge payload handed to an
// agent: live artifacts are split into global, item and path buckets, ranked
// by type and packed greedily into each bucket's share of the budget.
package contextpack

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"flowboard/internal/domain"
)

// DefaultTypePriority ranks artifact types from most to least important.
var DefaultTypePriority = []string{"requirement", "decision", "constraint", "interface", "pattern", "learning", "summary", "note"}

type Ratios struct {
	Global float64
	Item   float64
	Path   float64
}

var DefaultRatios = Ratios{Global: 0.5, Item: 0.3, Path: 0.2}

type Request struct {
	Item         domain.Item
	Budget       int
	Ratios       Ratios
	TypePriority []string
}

type ScopeStat struct {
	Scope     string `json:"scope"`
	Budget    int    `json:"budget"`
	Used      int    `json:"used"`
	Included  int    `json:"included"`
	Available int    `json:"available"`
}

type Result struct {
	Text            string      `json:"text"`
	TokensUsed      int         `json:"tokens_used"`
	TokensAvailable int         `json:"tokens_available"`
	Included        int         `json:"artifacts_included"`
	Total           int         `json:"artifacts_total"`
	Scopes          []ScopeStat `json:"scopes"`
}

// EstimateTokens approximates the token count of content (four bytes per token).
func EstimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// ChainID identifies the version chain of an artifact. Re-recording the same
// scope, reference and title yields a new version of the same chain.
func ChainID(scope domain.ArtifactScope, scopeRef, title string) string {
	key := strings.Join([]string{string(scope), scopeRef, strings.ToLower(strings.TrimSpace(title))}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Live keeps only the highest version of every chain.
func Live(artifacts []domain.Artifact) []domain.Artifact {
	best := map[string]domain.Artifact{}
	for _, a := range artifacts {
		cur, ok := best[a.ChainID]
		if !ok || a.Version > cur.Version {
			best[a.ChainID] = a
		}
	}
	out := make([]domain.Artifact, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// MatchPath reports whether pattern selects any of paths. Patterns use
// path.Match syntax; a pattern without metacharacters also matches as a
// directory prefix.
func MatchPath(pattern string, paths []string) bool {
	pattern = strings.TrimPrefix(pattern, "./")
	if pattern == "" {
		return false
	}
	literal := !strings.ContainsAny(pattern, "*?[")
	prefix := strings.TrimSuffix(pattern, "/") + "/"
	for _, p := range paths {
		p = strings.TrimPrefix(p, "./")
		if ok, err := path.Match(pattern, p); err == nil && ok {
			return true
		}
		if literal && (p == pattern || strings.HasPrefix(p, prefix)) {
			return true
		}
	}
	return false
}

type bucket struct {
	scope     string
	budget    int
	artifacts []domain.Artifact
	accepted  []domain.Artifact
	used      int
}

// Build selects and renders artifacts for req.Item. Equal inputs produce
// byte-identical output.
func Build(req Request, artifacts []domain.Artifact) Result {
	ratios := req.Ratios
	if ratios == (Ratios{}) {
		ratios = DefaultRatios
	}
	priority := req.TypePriority
	if len(priority) == 0 {
		priority = DefaultTypePriority
	}
	budget := req.Budget
	if budget < 0 {
		budget = 0
	}

	buckets := []*bucket{
		{scope: "global", budget: share(budget, ratios.Global)},
		{scope: "item", budget: share(budget, ratios.Item)},
		{scope: "path", budget: share(budget, ratios.Path)},
	}
	live := Live(artifacts)
	total := 0
	for _, a := range live {
		b := bucketFor(buckets, req.Item, a)
		if b == nil {
			continue
		}
		if a.TokenEstimate <= 0 {
			a.TokenEstimate = EstimateTokens(a.Content)
		}
		b.artifacts = append(b.artifacts, a)
		total++
	}

	rank := rankFunc(priority)
	res := Result{Total: total, TokensAvailable: budget}
	for _, b := range buckets {
		sort.SliceStable(b.artifacts, func(i, j int) bool {
			x, y := b.artifacts[i], b.artifacts[j]
			if rx, ry := rank(x.Type), rank(y.Type); rx != ry {
				return rx < ry
			}
			if x.Type != y.Type {
				return x.Type < y.Type
			}
			if x.CreatedAt != y.CreatedAt {
				return x.CreatedAt > y.CreatedAt
			}
			return x.ChainID < y.ChainID
		})
		for _, a := range b.artifacts {
			if b.used+a.TokenEstimate > b.budget {
				continue
			}
			b.accepted = append(b.accepted, a)
			b.used += a.TokenEstimate
		}
		res.TokensUsed += b.used
		res.Included += len(b.accepted)
		res.Scopes = append(res.Scopes, ScopeStat{
			Scope:     b.scope,
			Budget:    b.budget,
			Used:      b.used,
			Included:  len(b.accepted),
			Available: len(b.artifacts),
		})
	}
	res.Text = render(buckets)
	return res
}

func share(total int, ratio float64) int {
	if ratio <= 0 {
		return 0
	}
	return int(float64(total) * ratio)
}

func bucketFor(buckets []*bucket, item domain.Item, a domain.Artifact) *bucket {
	switch a.Scope {
	case domain.ArtifactGlobal:
		return buckets[0]
	case domain.ArtifactItem:
		if a.ScopeRef == item.ID {
			return buckets[1]
		}
	case domain.ArtifactGroup:
		if item.GroupID != nil && a.ScopeRef == *item.GroupID {
			return buckets[1]
		}
	case domain.ArtifactPath:
		if MatchPath(a.ScopeRef, item.Paths) {
			return buckets[2]
		}
	}
	return nil
}

func rankFunc(priority []string) func(string) int {
	idx := make(map[string]int, len(priority))
	for i, t := range priority {
		idx[t] = i
	}
	return func(t string) int {
		if i, ok := idx[t]; ok {
			return i
		}
		return len(priority)
	}
}

var scopeTitles = map[string]string{
	"global": "Project knowledge",
	"item":   "Item knowledge",
	"path":   "Code area knowledge",
}

func render(buckets []*bucket) string {
	var b strings.Builder
	for _, bk := range buckets {
		if len(bk.accepted) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n", scopeTitles[bk.scope])
		for _, a := range bk.accepted {
			label := string(a.Scope)
			if a.ScopeRef != "" {
				label += ":" + a.ScopeRef
			}
			fmt.Fprintf(&b, "\n### [%s] %s (%s, v%d)\n\n%s\n", a.Type, a.Title, label, a.Version, strings.TrimRight(a.Content, "\n"))
		}
	}
	return b.String()
}
