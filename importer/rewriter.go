package importer

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/triage"
)

// RewriterEnv is what predicates and rewrite rules can refer to.
type RewriterEnv struct {
	Source    string `expr:"source"`
	Vendor    string `expr:"vendor"`
	Name      string `expr:"name"`
	Ecosystem string `expr:"ecosystem"`
	Version   string `expr:"version"`
}

type compiledRewriter struct {
	Predicate   *vm.Program
	RewriteRule *vm.Program
	Field       string
}

func NewCompiledRewriter(r triage.Rewriter) (cr compiledRewriter, err error) {
	genericOpts := []expr.Option{
		expr.Env(RewriterEnv{}),
		expr.Function(
			"fmt",
			exprFmt,
			new(func(string, string) string),
			new(func([]any, string) string),
		),
	}

	switch r.Field {
	case "":
		cr.Field = "name"
	case "name", "vendor", "ecosystem", "version":
		cr.Field = r.Field
	default:
		return cr, fmt.Errorf("unknown rewrite field %q", r.Field)
	}

	predicateOpts := append(genericOpts,
		expr.AsBool(),
	)
	cr.Predicate, err = expr.Compile(r.Predicate, predicateOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling predicate: %w", err)
	}

	rewriterOpts := append(genericOpts,
		expr.AsKind(reflect.String),
	)
	cr.RewriteRule, err = expr.Compile(r.RewriteRule, rewriterOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling rewrite rule: %w", err)
	}

	return cr, err
}

// Rewrite returns ref with Field replaced when the predicate holds. A rule
// that fails at runtime leaves ref untouched.
func (c compiledRewriter) Rewrite(ref PackageRef) PackageRef {
	env := RewriterEnv{
		Source:    ref.Source,
		Vendor:    ref.Vendor,
		Name:      ref.Name,
		Ecosystem: ref.Ecosystem,
		Version:   ref.Version,
	}
	predicate, err := expr.Run(c.Predicate, env)
	if err != nil {
		slog.Warn("could not evaluate rewrite predicate", "package", ref.Name, "err", err)
		return ref
	}
	if matched, _ := predicate.(bool); !matched {
		return ref
	}
	result, err := expr.Run(c.RewriteRule, env)
	if err != nil {
		slog.Warn("could not evaluate rewrite rule", "package", ref.Name, "err", err)
		return ref
	}
	resultStr, _ := result.(string)
	switch c.Field {
	case "name":
		ref.Name = resultStr
	case "vendor":
		ref.Vendor = resultStr
	case "ecosystem":
		ref.Ecosystem = resultStr
	case "version":
		ref.Version = resultStr
	}

	return ref
}

// exprFmt is an implementation of sprintf for expr. It takes the thing to be
// formatted as the first argument to make it possible to use with pipes. The
// first argument can either be a string, or a list of any value.
func exprFmt(params ...any) (any, error) {
	switch arg1 := params[0].(type) {
	case string:
		return fmt.Sprintf(params[1].(string), arg1), nil
	case []any:
		return fmt.Sprintf(params[1].(string), arg1...), nil
	default:
		return "", fmt.Errorf("unsupported type for argument 1: %T", arg1)
	}
}
