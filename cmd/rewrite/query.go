package rewrite

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/hlmrf/hlmrf/internal/stats"
	"github.com/hlmrf/hlmrf/pkg/queryrewriter"
)

var ErrInvalidQueryFile = errors.New("invalid query file")

// QueryFile maps predicates to tables and lists the conjunctive queries to rewrite.
type QueryFile struct {
	Tables  []QueryTable `json:"tables"`
	Queries []Query      `json:"queries"`
}

type QueryTable struct {
	Predicate string   `json:"predicate"`
	Table     string   `json:"table"`
	Columns   []string `json:"columns"`
}

type Query struct {
	Name  string      `json:"name,omitempty"`
	Atoms []QueryAtom `json:"atoms"`
}

type QueryAtom struct {
	Predicate string `json:"predicate"`
	// Kind is one of standard (default), special or external_functional.
	Kind string `json:"kind,omitempty"`
	// Args wrapped in single quotes are constants, everything else is a variable.
	Args []string `json:"args"`
}

// LoadQueryFile reads and parses a query file.
func LoadQueryFile(path string) (*QueryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}

	file := &QueryFile{}
	if err := yaml.UnmarshalStrict(data, file); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidQueryFile, path, err)
	}

	return file, nil
}

func (t QueryTable) info() stats.TableInfo {
	table := t.Table
	if table == "" {
		table = t.Predicate
	}
	return stats.TableInfo{Predicate: t.Predicate, Table: table, Columns: t.Columns}
}

// Formula builds the conjunction of the query atoms.
func (q Query) Formula() (*queryrewriter.Conjunction, error) {
	atoms := make([]*queryrewriter.Atom, 0, len(q.Atoms))
	for _, a := range q.Atoms {
		if a.Predicate == "" {
			return nil, fmt.Errorf("%w: query %s has an atom without predicate", ErrInvalidQueryFile, q.Name)
		}

		kind, err := parseKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: query %s: %w", ErrInvalidQueryFile, q.Name, err)
		}

		args := make([]queryrewriter.Argument, 0, len(a.Args))
		for _, arg := range a.Args {
			args = append(args, parseArgument(arg))
		}

		atoms = append(atoms, queryrewriter.NewAtom(queryrewriter.Predicate{Name: a.Predicate, Kind: kind}, args...))
	}

	return queryrewriter.NewConjunction(atoms...), nil
}

func parseKind(kind string) (queryrewriter.PredicateKind, error) {
	switch kind {
	case "", "standard":
		return queryrewriter.PredicateStandard, nil
	case "special":
		return queryrewriter.PredicateSpecial, nil
	case "external_functional":
		return queryrewriter.PredicateExternalFunctional, nil
	default:
		return 0, fmt.Errorf("unknown predicate kind '%s'", kind)
	}
}

func parseArgument(arg string) queryrewriter.Argument {
	if len(arg) >= 2 && strings.HasPrefix(arg, "'") && strings.HasSuffix(arg, "'") {
		return queryrewriter.Constant(arg[1 : len(arg)-1])
	}
	return queryrewriter.Variable(arg)
}
