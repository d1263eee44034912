// Package groups models the lifecycle of an item group and the sequential
// dependency chain generated from its member order. Membership can only be
// edited through a Draft (or, for analysis additions, an Analyzing) handle.
package groups

import (
	"errors"
	"fmt"

	"flowboard/internal/depgraph"
	"flowboard/internal/domain"
)

var (
	ErrFrozen        = errors.New("group membership is frozen")
	ErrNotMember     = errors.New("item is not a group member")
	ErrAlreadyMember = errors.New("item is already a group member")
	ErrInvalidPlan   = errors.New("invalid execution plan")
	ErrWrongStatus   = errors.New("group is not in the required status")
)

// Edge says From depends on To.
type Edge struct {
	From string
	To   string
}

// EdgeDiff lists auto-generated dependency rows to insert and delete.
type EdgeDiff struct {
	Add    []Edge
	Remove []Edge
}

func (d EdgeDiff) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// ChainEdges makes every member depend on its predecessor.
func ChainEdges(members []string) []Edge {
	var out []Edge
	for i := 1; i < len(members); i++ {
		out = append(out, Edge{From: members[i], To: members[i-1]})
	}
	return out
}

// PlanEdges makes every item of a set depend on every item of the previous set.
func PlanEdges(plan [][]string) []Edge {
	var out []Edge
	for i := 1; i < len(plan); i++ {
		for _, from := range plan[i] {
			for _, to := range plan[i-1] {
				out = append(out, Edge{From: from, To: to})
			}
		}
	}
	return out
}

// Diff returns the edges of next missing from old and the edges of old missing from next.
func Diff(old, next []Edge) EdgeDiff {
	oldSet := make(map[Edge]bool, len(old))
	for _, e := range old {
		oldSet[e] = true
	}
	nextSet := make(map[Edge]bool, len(next))
	for _, e := range next {
		nextSet[e] = true
	}
	var d EdgeDiff
	for _, e := range next {
		if !oldSet[e] {
			d.Add = append(d.Add, e)
		}
	}
	for _, e := range old {
		if !nextSet[e] {
			d.Remove = append(d.Remove, e)
		}
	}
	return d
}

// DefaultPlan derives parallel sets from the dependencies among members.
func DefaultPlan(members []string, deps []Edge) ([][]string, error) {
	in := make(map[string]bool, len(members))
	g := depgraph.New()
	for _, m := range members {
		in[m] = true
		g.AddNode(m)
	}
	for _, e := range deps {
		if in[e.From] && in[e.To] {
			g.AddEdge(e.From, e.To)
		}
	}
	return g.Levels()
}

// ValidatePlan checks that plan lists every member exactly once.
func ValidatePlan(members []string, plan [][]string) error {
	want := make(map[string]bool, len(members))
	for _, m := range members {
		want[m] = true
	}
	seen := map[string]bool{}
	for i, set := range plan {
		if len(set) == 0 {
			return fmt.Errorf("%w: set %d is empty", ErrInvalidPlan, i)
		}
		for _, id := range set {
			if !want[id] {
				return fmt.Errorf("%w: %s is not a member", ErrInvalidPlan, id)
			}
			if seen[id] {
				return fmt.Errorf("%w: %s listed twice", ErrInvalidPlan, id)
			}
			seen[id] = true
		}
	}
	if len(seen) != len(want) {
		return fmt.Errorf("%w: plan covers %d of %d members", ErrInvalidPlan, len(seen), len(want))
	}
	return nil
}

// State is one of Draft, Analyzing, Ready, Executing or Closed.
type State interface {
	Group() domain.Group
}

// Open wraps g in the handle matching its status.
func Open(g domain.Group) State {
	g.Members = append([]string(nil), g.Members...)
	switch g.Status {
	case domain.GroupDraft:
		return &Draft{g: g}
	case domain.GroupAnalyzing:
		return &Analyzing{g: g}
	case domain.GroupReady:
		return &Ready{g: g}
	case domain.GroupExecuting:
		return &Executing{g: g}
	default:
		return &Closed{g: g}
	}
}

// AsDraft returns the editable handle or ErrFrozen.
func AsDraft(g domain.Group) (*Draft, error) {
	d, ok := Open(g).(*Draft)
	if !ok {
		return nil, fmt.Errorf("%w: group %s is %s", ErrFrozen, g.ID, g.Status)
	}
	return d, nil
}

type Draft struct{ g domain.Group }

func (d *Draft) Group() domain.Group { return d.g }

func (d *Draft) Add(itemID string) (EdgeDiff, error) {
	if indexOf(d.g.Members, itemID) >= 0 {
		return EdgeDiff{}, ErrAlreadyMember
	}
	return d.reorder(append(append([]string(nil), d.g.Members...), itemID)), nil
}

// Remove drops itemID and re-links its predecessor to its successor.
func (d *Draft) Remove(itemID string) (EdgeDiff, error) {
	i := indexOf(d.g.Members, itemID)
	if i < 0 {
		return EdgeDiff{}, ErrNotMember
	}
	next := append(append([]string(nil), d.g.Members[:i]...), d.g.Members[i+1:]...)
	return d.reorder(next), nil
}

// Move places itemID at position pos (clamped to the member range).
func (d *Draft) Move(itemID string, pos int) (EdgeDiff, error) {
	i := indexOf(d.g.Members, itemID)
	if i < 0 {
		return EdgeDiff{}, ErrNotMember
	}
	rest := append(append([]string(nil), d.g.Members[:i]...), d.g.Members[i+1:]...)
	if pos < 0 {
		pos = 0
	}
	if pos > len(rest) {
		pos = len(rest)
	}
	next := append(append(append([]string(nil), rest[:pos]...), itemID), rest[pos:]...)
	return d.reorder(next), nil
}

func (d *Draft) reorder(next []string) EdgeDiff {
	diff := Diff(ChainEdges(d.g.Members), ChainEdges(next))
	d.g.Members = next
	return diff
}

// Promote freezes membership and starts analysis.
func (d *Draft) Promote(now string) *Analyzing {
	g := d.g
	g.Status = domain.GroupAnalyzing
	g.FrozenAt = &now
	return &Analyzing{g: g}
}

type Analyzing struct{ g domain.Group }

func (a *Analyzing) Group() domain.Group { return a.g }

// Append adds an item discovered during analysis at the end of the chain.
func (a *Analyzing) Append(itemID string) (EdgeDiff, error) {
	if indexOf(a.g.Members, itemID) >= 0 {
		return EdgeDiff{}, ErrAlreadyMember
	}
	old := ChainEdges(a.g.Members)
	a.g.Members = append(a.g.Members, itemID)
	return Diff(old, ChainEdges(a.g.Members)), nil
}

// Finish stores plan and replaces the auto-generated edges current with the
// edges the plan implies.
func (a *Analyzing) Finish(plan [][]string, current []Edge) (*Ready, EdgeDiff, error) {
	if err := ValidatePlan(a.g.Members, plan); err != nil {
		return nil, EdgeDiff{}, err
	}
	g := a.g
	g.Status = domain.GroupReady
	g.Plan = plan
	return &Ready{g: g}, Diff(current, PlanEdges(plan)), nil
}

type Ready struct{ g domain.Group }

func (r *Ready) Group() domain.Group { return r.g }

func (r *Ready) Start() *Executing {
	g := r.g
	g.Status = domain.GroupExecuting
	return &Executing{g: g}
}

type Executing struct{ g domain.Group }

func (e *Executing) Group() domain.Group { return e.g }

// Complete closes the group as done when every member succeeded, failed otherwise.
func (e *Executing) Complete(allSucceeded bool) *Closed {
	g := e.g
	g.Status = domain.GroupFailed
	if allSucceeded {
		g.Status = domain.GroupDone
	}
	return &Closed{g: g}
}

type Closed struct{ g domain.Group }

func (c *Closed) Group() domain.Group { return c.g }

func (c *Closed) Succeeded() bool { return c.g.Status == domain.GroupDone }

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
