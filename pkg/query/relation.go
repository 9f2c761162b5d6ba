package query

import (
	"fmt"

	"github.com/ammar0144/orm4go/pkg/schema"
)

// JoinType selects the join keyword
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftJoin
)

// JoinHop adds one table to a statement, joined on a single column pair
type JoinHop struct {
	Table string
	Left  ColumnRef
	Right ColumnRef
}

// JoinPath is the derived join from one type to another: one hop for a
// one-to-many relationship, two hops through the bridge for a many-to-many
type JoinPath struct {
	From string
	To   string
	Type JoinType
	Hops []JoinHop
}

// InferJoin derives the join from one registered type to another.
//
// The search runs in order and the first step with a candidate wins:
//  1. to declares a one-to-many of from: from.<back-reference> = to.<key>
//  2. from declares a one-to-many of to: to.<back-reference> = from.<key>
//  3. either side declares a many-to-many of the other: two hops through the bridge
//
// Several candidates inside one step fail with ErrAmbiguousRelationship and no
// candidate at all with ErrNoRelationship. Inner and left joins follow the same search.
func InferJoin(reg *schema.Registry, from, to string, kind JoinType) (JoinPath, error) {
	ft, err := reg.Type(from)
	if err != nil {
		return JoinPath{}, err
	}
	tt, err := reg.Type(to)
	if err != nil {
		return JoinPath{}, err
	}
	path := JoinPath{From: from, To: to, Type: kind}
	if ft == tt {
		return path, fmt.Errorf("%w: self join of %s", ErrNoRelationship, from)
	}

	// 1. to owns a collection of from
	if p, err := single(collectionsOf(tt.OneToMany(), from), to, from); err != nil {
		return path, err
	} else if p != nil {
		key, err := singleKey(tt)
		if err != nil {
			return path, err
		}
		path.Hops = []JoinHop{{
			Table: tt.Table,
			Left:  TableCol(ft.Table, p.BackRef().Column),
			Right: TableCol(tt.Table, key.Column),
		}}
		return path, nil
	}

	// 2. from owns a collection of to
	if p, err := single(collectionsOf(ft.OneToMany(), to), from, to); err != nil {
		return path, err
	} else if p != nil {
		key, err := singleKey(ft)
		if err != nil {
			return path, err
		}
		path.Hops = []JoinHop{{
			Table: tt.Table,
			Left:  TableCol(tt.Table, p.BackRef().Column),
			Right: TableCol(ft.Table, key.Column),
		}}
		return path, nil
	}

	// 3. many-to-many declared on either side; both sides of one relationship share a bridge
	type bridgeSide struct {
		table, fromCol, toCol string
	}
	var bridges []bridgeSide
	seen := make(map[string]bool)
	for _, p := range collectionsOf(ft.ManyToMany(), to) {
		br := p.Bridge()
		if !seen[br.Table] {
			seen[br.Table] = true
			bridges = append(bridges, bridgeSide{br.Table, br.OwnerColumn, br.ElementColumn})
		}
	}
	for _, p := range collectionsOf(tt.ManyToMany(), from) {
		br := p.Bridge()
		if !seen[br.Table] {
			seen[br.Table] = true
			bridges = append(bridges, bridgeSide{br.Table, br.ElementColumn, br.OwnerColumn})
		}
	}
	switch len(bridges) {
	case 0:
		return path, fmt.Errorf("%w: %s to %s", ErrNoRelationship, from, to)
	case 1:
	default:
		return path, fmt.Errorf("%w: %d bridges between %s and %s", ErrAmbiguousRelationship, len(bridges), from, to)
	}

	fromKey, err := singleKey(ft)
	if err != nil {
		return path, err
	}
	toKey, err := singleKey(tt)
	if err != nil {
		return path, err
	}
	br := bridges[0]
	path.Hops = []JoinHop{
		{
			Table: br.table,
			Left:  TableCol(br.table, br.fromCol),
			Right: TableCol(ft.Table, fromKey.Column),
		},
		{
			Table: tt.Table,
			Left:  TableCol(tt.Table, toKey.Column),
			Right: TableCol(br.table, br.toCol),
		},
	}
	return path, nil
}

func collectionsOf(props []*schema.Property, element string) []*schema.Property {
	var out []*schema.Property
	for _, p := range props {
		if p.Target == element {
			out = append(out, p)
		}
	}
	return out
}

func single(candidates []*schema.Property, owner, element string) (*schema.Property, error) {
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	}
	return nil, fmt.Errorf("%w: %s has %d collections of %s", ErrAmbiguousRelationship, owner, len(candidates), element)
}

func singleKey(t *schema.EntityType) (*schema.Property, error) {
	key := t.Key()
	if key == nil {
		return nil, fmt.Errorf("%w: %s has a composite key", ErrNoRelationship, t.Name)
	}
	return key, nil
}
