package model

import (
	"fmt"
	"strings"
)

// Locus is one of the typed HLA loci
type Locus string

const (
	LocusA    Locus = "A"
	LocusB    Locus = "B"
	LocusC    Locus = "C"
	LocusDpb1 Locus = "DPB1"
	LocusDqb1 Locus = "DQB1"
	LocusDrb1 Locus = "DRB1"
)

// AllLoci lists the loci in partition order
var AllLoci = []Locus{LocusA, LocusB, LocusC, LocusDpb1, LocusDqb1, LocusDrb1}

// ParseLocus parses a locus name case-insensitively
func ParseLocus(s string) (Locus, error) {
	candidate := Locus(strings.ToUpper(strings.TrimSpace(s)))
	for _, l := range AllLoci {
		if l == candidate {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown locus %q", s)
}

// TypingMethod determines which consolidation rules apply to a typing
type TypingMethod string

const (
	TypingMethodMolecular TypingMethod = "Molecular"
	TypingMethodSerology  TypingMethod = "Serology"
)

// ParseTypingMethod parses a typing method name case-insensitively
func ParseTypingMethod(s string) (TypingMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "molecular":
		return TypingMethodMolecular, nil
	case "serology":
		return TypingMethodSerology, nil
	default:
		return "", fmt.Errorf("unknown typing method %q", s)
	}
}
