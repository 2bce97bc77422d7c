package model

import (
	"mipool/domain/core"
)

// Builder derives a new Spec from an existing one by copy-with-additions.
// This mirrors the progressive "base model, then add terms" pattern used to
// build successive models (baseline -> + country-level controls -> +
// interactions and random slopes) without mutating a shared specification.
type Builder struct {
	spec Spec
}

// NewSpec starts a specification from scratch.
func NewSpec(name string, outcome core.Column, family Family) *Builder {
	return &Builder{spec: Spec{
		ID:      core.ModelID(core.NewID()),
		Name:    name,
		Outcome: outcome,
		Family:  family,
	}}
}

// Extend starts a builder seeded with a deep copy of an existing Spec. The
// derived specification is a distinct model with its own identity.
func (s Spec) Extend(name string) *Builder {
	next := s.clone()
	next.ID = core.ModelID(core.NewID())
	next.Name = name
	return &Builder{spec: next}
}

// AddTerms appends fixed-effect terms, skipping terms already present.
func (b *Builder) AddTerms(terms ...Term) *Builder {
	for _, t := range terms {
		if !b.hasTerm(t) {
			b.spec.Fixed = append(b.spec.Fixed, t)
		}
	}
	return b
}

// DropTerms removes fixed-effect terms.
func (b *Builder) DropTerms(terms ...Term) *Builder {
	for _, drop := range terms {
		kept := b.spec.Fixed[:0]
		for _, t := range b.spec.Fixed {
			if !t.Equal(drop) {
				kept = append(kept, t)
			}
		}
		b.spec.Fixed = kept
	}
	return b
}

// AddRandomIntercept adds a random-intercept block for the grouping column if
// one is not already declared.
func (b *Builder) AddRandomIntercept(group core.Column) *Builder {
	if b.blockFor(group) == nil {
		b.spec.Random = append(b.spec.Random, RandomBlock{Group: group})
	}
	return b
}

// AddRandomSlope adds a random slope for term within the given grouping
// column, creating the block (with its implicit intercept) if needed.
func (b *Builder) AddRandomSlope(group core.Column, term Term) *Builder {
	blk := b.blockFor(group)
	if blk == nil {
		b.spec.Random = append(b.spec.Random, RandomBlock{Group: group})
		blk = &b.spec.Random[len(b.spec.Random)-1]
	}
	for _, t := range blk.Slopes {
		if t.Equal(term) {
			return b
		}
	}
	blk.Slopes = append(blk.Slopes, term)
	return b
}

// DropRandomBlock removes the random-effect block for a grouping column.
func (b *Builder) DropRandomBlock(group core.Column) *Builder {
	kept := b.spec.Random[:0]
	for _, blk := range b.spec.Random {
		if blk.Group != group {
			kept = append(kept, blk)
		}
	}
	b.spec.Random = kept
	return b
}

// Build returns the finished immutable Spec.
func (b *Builder) Build() Spec {
	return b.spec.clone()
}

func (b *Builder) hasTerm(t Term) bool {
	for _, f := range b.spec.Fixed {
		if f.Equal(t) {
			return true
		}
	}
	return false
}

func (b *Builder) blockFor(group core.Column) *RandomBlock {
	for i := range b.spec.Random {
		if b.spec.Random[i].Group == group {
			return &b.spec.Random[i]
		}
	}
	return nil
}
